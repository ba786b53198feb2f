package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// USER MODELS
// ============================================================================

type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ============================================================================
// ROOM MODELS
// ============================================================================

type Room struct {
	ID             uuid.UUID  `json:"id"`
	Code           string     `json:"code"`
	Name           string     `json:"name"`
	HostUserID     uuid.UUID  `json:"host_user_id"`
	State          RoomState  `json:"state"`
	Phase          GamePhase  `json:"phase"`
	DayNumber      int        `json:"day_number"`
	PhaseStartedAt time.Time  `json:"phase_started_at"`
	PhaseEndsAt    *time.Time `json:"phase_ends_at,omitempty"`
	NightDuration  int        `json:"night_duration"` // seconds
	DayDuration    int        `json:"day_duration"`
	VoteDuration   int        `json:"vote_duration"`
	MinPlayers     int        `json:"min_players"`
	MaxPlayers     int        `json:"max_players"`
	IsPrivate      bool       `json:"is_private"`
	PasswordHash   *string    `json:"-"`
	WinningTeam    *Team      `json:"winning_team,omitempty"`
	EndReason      *string    `json:"end_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type RoomState string

const (
	RoomWaiting   RoomState = "WAITING"
	RoomStarting  RoomState = "STARTING"
	RoomNight     RoomState = "NIGHT"
	RoomDay       RoomState = "DAY"
	RoomVoting    RoomState = "VOTING"
	RoomEnded     RoomState = "ENDED"
	RoomCancelled RoomState = "CANCELLED"
)

// Terminal reports whether the room will never change state again.
// A terminal room's code may be reused by a new room.
func (s RoomState) Terminal() bool {
	return s == RoomEnded || s == RoomCancelled
}

type GamePhase string

const (
	PhaseLobby          GamePhase = "LOBBY"
	PhaseRoleAssignment GamePhase = "ROLE_ASSIGNMENT"
	PhaseNight          GamePhase = "NIGHT_PHASE"
	PhaseDayDiscussion  GamePhase = "DAY_DISCUSSION"
	PhaseDayVoting      GamePhase = "DAY_VOTING"
	PhaseGameEnd        GamePhase = "GAME_END"
)

// StateForPhase maps each phase to its single legal room state.
func StateForPhase(p GamePhase) RoomState {
	switch p {
	case PhaseLobby:
		return RoomWaiting
	case PhaseRoleAssignment:
		return RoomStarting
	case PhaseNight:
		return RoomNight
	case PhaseDayDiscussion:
		return RoomDay
	case PhaseDayVoting:
		return RoomVoting
	default:
		return RoomEnded
	}
}

// ============================================================================
// PLAYER MODELS
// ============================================================================

type Player struct {
	ID           uuid.UUID   `json:"id"`
	RoomID       uuid.UUID   `json:"room_id"`
	UserID       uuid.UUID   `json:"user_id"`
	Username     string      `json:"username"`
	Position     int         `json:"position"`
	Role         Role        `json:"-"`
	State        PlayerState `json:"state"`
	DiedAt       *time.Time  `json:"died_at,omitempty"`
	DeathCause   *DeathCause `json:"death_cause,omitempty"`
	LoverID      *uuid.UUID  `json:"-"`
	IsRevealed   bool        `json:"is_revealed"`
	ChatChannels []string    `json:"chat_channels,omitempty"`
	JoinedAt     time.Time   `json:"joined_at"`
}

type PlayerState string

const (
	PlayerAlive        PlayerState = "ALIVE"
	PlayerDead         PlayerState = "DEAD"
	PlayerDisconnected PlayerState = "DISCONNECTED"
)

// Alive reports whether the player still acts in the game. A
// DISCONNECTED player is alive for every game rule; only DEAD is out.
func (p *Player) Alive() bool {
	return p.State == PlayerAlive || p.State == PlayerDisconnected
}

type Role string

const (
	RoleWerewolf       Role = "WEREWOLF"
	RoleBlackWolf      Role = "BLACK_WOLF"
	RoleWhiteWolf      Role = "WHITE_WOLF"
	RoleWolfRidingHood Role = "WOLF_RIDING_HOOD"
	RoleVillager       Role = "VILLAGER"
	RoleSeer           Role = "SEER"
	RoleTalkativeSeer  Role = "TALKATIVE_SEER"
	RoleWitch          Role = "WITCH"
	RoleHunter         Role = "HUNTER"
	RoleGuard          Role = "GUARD"
	RoleCupid          Role = "CUPID"
	RoleLittleGirl     Role = "LITTLE_GIRL"
	RoleRedRidingHood  Role = "RED_RIDING_HOOD"
	RoleBlueRidingHood Role = "BLUE_RIDING_HOOD"
	RoleHeir           Role = "HEIR"
	RolePlunderer      Role = "PLUNDERER"
	RoleMercenary      Role = "MERCENARY"
	RoleDictator       Role = "DICTATOR"
)

type Team string

const (
	TeamVillagers  Team = "VILLAGERS"
	TeamWerewolves Team = "WEREWOLVES"
	TeamSolo       Team = "SOLO"
)

// Chat/voice channel names. Dead players move to the dead channel;
// werewolf-team players share the werewolf channel at night.
const (
	ChannelMain     = "main"
	ChannelWerewolf = "werewolves"
	ChannelDead     = "dead"
)

// ============================================================================
// ABILITY MODELS
// ============================================================================

// Ability is a per-player resource keyed by (PlayerID, Type).
// MaxUses == 0 marks a presence flag rather than a consumable (the
// mayor's double vote, a stored target choice).
type Ability struct {
	PlayerID     uuid.UUID         `json:"player_id"`
	Type         AbilityType       `json:"type"`
	UsesLeft     int               `json:"uses_left"`
	MaxUses      int               `json:"max_uses"`
	CooldownDays int               `json:"cooldown_days"`
	LastUsedDay  *int              `json:"last_used_day,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type AbilityType string

const (
	AbilityHealPotion      AbilityType = "heal_potion"
	AbilityPoisonPotion    AbilityType = "poison_potion"
	AbilityDevour          AbilityType = "devour"
	AbilityConvert         AbilityType = "convert"
	AbilityHunterShot      AbilityType = "hunter_shot"
	AbilityCupidLink       AbilityType = "cupid_link"
	AbilityHeirTarget      AbilityType = "heir_target"
	AbilityMercenaryTarget AbilityType = "mercenary_target"
	AbilityMayorVote       AbilityType = "mayor_vote"
	AbilityCoup            AbilityType = "coup"
	AbilityVoteImmunity    AbilityType = "vote_immunity"
)

// Keys used inside Ability.Metadata.
const (
	MetaTargetID = "target_id"
)

// ============================================================================
// ACTION MODELS
// ============================================================================

// GameAction records one submitted action. (RoomID, PerformerID,
// ActionType, DayNumber, Phase) is the upsert key: resubmitting a
// reversible choice overwrites the previous row.
type GameAction struct {
	ID          uuid.UUID         `json:"id"`
	RoomID      uuid.UUID         `json:"room_id"`
	PerformerID uuid.UUID         `json:"performer_id"`
	ActionType  ActionType        `json:"action_type"`
	DayNumber   int               `json:"day_number"`
	Phase       GamePhase         `json:"phase"`
	TargetID    *uuid.UUID        `json:"target_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Result      *string           `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type ActionType string

const (
	ActionGuardProtect     ActionType = "GUARD_PROTECT"
	ActionCupidLink        ActionType = "CUPID_LINK"
	ActionHeirChoose       ActionType = "HEIR_CHOOSE"
	ActionWerewolfVote     ActionType = "WEREWOLF_VOTE"
	ActionWhiteWolfDevour  ActionType = "WHITE_WOLF_DEVOUR"
	ActionBlackWolfConvert ActionType = "BLACK_WOLF_CONVERT"
	ActionWitchHeal        ActionType = "WITCH_HEAL"
	ActionWitchPoison      ActionType = "WITCH_POISON"
	ActionSeerInvestigate  ActionType = "SEER_INVESTIGATE"
	ActionTalkativeSeer    ActionType = "TALKATIVE_SEER_INVESTIGATE"
	ActionDayVote          ActionType = "DAY_VOTE"
	ActionHunterShoot      ActionType = "HUNTER_SHOOT"
	ActionDictatorCoup     ActionType = "DICTATOR_COUP"
)

// DeathCause tags every kill handed to the death pipeline.
type DeathCause string

const (
	CauseWerewolfAttack  DeathCause = "werewolf_attack"
	CauseWhiteWolfDevour DeathCause = "white_wolf_devour"
	CauseWitchPoison     DeathCause = "witch_poison"
	CauseVotedOut        DeathCause = "voted_out"
	CauseGrief           DeathCause = "grief"
	CauseHunterRevenge   DeathCause = "hunter_revenge"
	CauseDictatorCoup    DeathCause = "dictator_coup"
	CauseFailedCoup      DeathCause = "failed_coup"
	CauseCaughtSpying    DeathCause = "caught_spying"
)

// ============================================================================
// EVENT MODELS
// ============================================================================

// GameEvent is the append-only audit log; rows outlive the room handle.
type GameEvent struct {
	ID        uuid.UUID      `json:"id"`
	RoomID    uuid.UUID      `json:"room_id"`
	EventType string         `json:"event_type"`
	DayNumber int            `json:"day_number"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Server -> client event names.
const (
	EventGameState             = "game:state"
	EventPhaseChange           = "phase_change"
	EventPlayerJoined          = "player:joined"
	EventPlayerLeft            = "player:left"
	EventPlayerDied            = "player_died"
	EventPlayerSaved           = "player_saved"
	EventNightAbility          = "night_ability_available"
	EventFirstNightAction      = "first_night_action"
	EventInvestigationResult   = "investigation_result"
	EventTalkativeSeerResult   = "talkative_seer_result"
	EventVotingStarted         = "voting_started"
	EventVoteUpdate            = "vote:update"
	EventVoteResults           = "vote_results"
	EventVoteProtection        = "vote_protection"
	EventBecameLover           = "became_lover"
	EventRoleAssigned          = "role_assigned"
	EventRoleChanged           = "role_changed"
	EventRoleInherited         = "role_inherited"
	EventRoleStolen            = "role_stolen"
	EventProtectionLost        = "protection_lost"
	EventHunterTriggered       = "hunter:triggered"
	EventHunterRevengeComplete = "hunter_revenge_completed"
	EventDictatorSuccess       = "dictator_success"
	EventDictatorFailed        = "dictator_failed"
	EventMercenaryVictory      = "mercenary_victory"
	EventMercenaryReminder     = "mercenary_reminder"
	EventNightDeath            = "night_death"
	EventGameEnded             = "game_ended"
	EventError                 = "error"
)

// Client -> server event names.
const (
	ClientGameJoin      = "game:join"
	ClientGameStart     = "game:start"
	ClientVoteCast      = "vote:cast"
	ClientActionNight   = "action:night"
	ClientHunterRevenge = "hunter:revenge"
	ClientDictatorCoup  = "dictator:coup"
	ClientCupidLink     = "cupid:link"
	ClientWitchPotion   = "witch:potion"
)

// ============================================================================
// WIRE MESSAGES
// ============================================================================

type WSMessage struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func NewWSMessage(eventType string, payload map[string]any) WSMessage {
	return WSMessage{Type: eventType, Payload: payload, Timestamp: time.Now()}
}

// Snapshot is the full room state sent on game:state. Players hides
// every role the requester may not see.
type Snapshot struct {
	ID          uuid.UUID        `json:"id"`
	Code        string           `json:"code"`
	Name        string           `json:"name"`
	State       RoomState        `json:"state"`
	Phase       GamePhase        `json:"phase"`
	DayNumber   int              `json:"day_number"`
	PhaseEndsAt *time.Time       `json:"phase_ends_at,omitempty"`
	Players     []SnapshotPlayer `json:"players"`
	MyRole      *Role            `json:"my_role,omitempty"`
	AliveCount  int              `json:"alive_count"`
	DeadPlayers []uuid.UUID      `json:"dead_players"`
	MinPlayers  int              `json:"min_players"`
	MaxPlayers  int              `json:"max_players"`
	CanStart    bool             `json:"can_start"`
	IsHost      bool             `json:"is_host"`
}

type SnapshotPlayer struct {
	ID         uuid.UUID   `json:"id"`
	UserID     uuid.UUID   `json:"user_id"`
	Username   string      `json:"username"`
	Position   int         `json:"position"`
	State      PlayerState `json:"state"`
	IsRevealed bool        `json:"is_revealed"`
	Role       *Role       `json:"role,omitempty"`
}

// ============================================================================
// REQUEST MODELS
// ============================================================================

type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=30"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type CreateRoomRequest struct {
	Name          string `json:"name" binding:"required,min=1,max=50"`
	IsPrivate     bool   `json:"is_private"`
	Password      string `json:"password"`
	MinPlayers    int    `json:"min_players"`
	MaxPlayers    int    `json:"max_players"`
	NightDuration int    `json:"night_duration"`
	DayDuration   int    `json:"day_duration"`
	VoteDuration  int    `json:"vote_duration"`
}

type JoinRoomRequest struct {
	Code     string `json:"code" binding:"required,len=6"`
	Password string `json:"password"`
}

type NightActionRequest struct {
	Action   ActionType        `json:"action" binding:"required"`
	TargetID *uuid.UUID        `json:"target_id"`
	Metadata map[string]string `json:"metadata"`
}

type VoteRequest struct {
	TargetID uuid.UUID `json:"target_id" binding:"required"`
}

type VoiceTokenRequest struct {
	RoomID  uuid.UUID `json:"room_id" binding:"required"`
	Channel string    `json:"channel" binding:"required"`
}

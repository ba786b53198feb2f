package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/moonvale/server/internal/gameerr"
	"github.com/moonvale/server/internal/models"
)

const txMaxRetries = 5

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// query methods serve inside and outside a room transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool *pgxpool.Pool
	db   querier
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool, db: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// EnsureSchema creates the tables if they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            UUID PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_stats (
	user_id     UUID PRIMARY KEY REFERENCES users(id),
	total_games INT NOT NULL DEFAULT 0,
	total_wins  INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS rooms (
	id               UUID PRIMARY KEY,
	code             TEXT NOT NULL,
	name             TEXT NOT NULL,
	host_user_id     UUID NOT NULL,
	state            TEXT NOT NULL,
	phase            TEXT NOT NULL,
	day_number       INT NOT NULL DEFAULT 0,
	phase_started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	phase_ends_at    TIMESTAMPTZ,
	night_duration   INT NOT NULL,
	day_duration     INT NOT NULL,
	vote_duration    INT NOT NULL,
	min_players      INT NOT NULL,
	max_players      INT NOT NULL,
	is_private       BOOLEAN NOT NULL DEFAULT FALSE,
	password_hash    TEXT,
	winning_team     TEXT,
	end_reason       TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS rooms_active_code
	ON rooms (code) WHERE state NOT IN ('ENDED', 'CANCELLED');

CREATE TABLE IF NOT EXISTS players (
	id            UUID PRIMARY KEY,
	room_id       UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id       UUID NOT NULL,
	username      TEXT NOT NULL,
	position      INT NOT NULL,
	role          TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	died_at       TIMESTAMPTZ,
	death_cause   TEXT,
	lover_id      UUID,
	is_revealed   BOOLEAN NOT NULL DEFAULT FALSE,
	chat_channels JSONB,
	joined_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (room_id, user_id),
	UNIQUE (room_id, position)
);

CREATE TABLE IF NOT EXISTS abilities (
	player_id     UUID NOT NULL REFERENCES players(id) ON DELETE CASCADE,
	type          TEXT NOT NULL,
	uses_left     INT NOT NULL,
	max_uses      INT NOT NULL,
	cooldown_days INT NOT NULL DEFAULT 0,
	last_used_day INT,
	metadata      JSONB,
	PRIMARY KEY (player_id, type)
);

CREATE TABLE IF NOT EXISTS game_actions (
	id           UUID PRIMARY KEY,
	room_id      UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	performer_id UUID NOT NULL,
	action_type  TEXT NOT NULL,
	day_number   INT NOT NULL,
	phase        TEXT NOT NULL,
	target_id    UUID,
	metadata     JSONB,
	result       TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (room_id, performer_id, action_type, day_number, phase)
);

CREATE TABLE IF NOT EXISTS game_events (
	id         UUID PRIMARY KEY,
	room_id    UUID NOT NULL,
	event_type TEXT NOT NULL,
	day_number INT NOT NULL,
	data       JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS game_events_room ON game_events (room_id, created_at);
`

// ---------------------------------------------------------------------------
// Rooms

const roomColumns = `id, code, name, host_user_id, state, phase, day_number,
	phase_started_at, phase_ends_at, night_duration, day_duration, vote_duration,
	min_players, max_players, is_private, password_hash, winning_team, end_reason,
	created_at, updated_at`

func scanRoom(row pgx.Row) (*models.Room, error) {
	var r models.Room
	err := row.Scan(&r.ID, &r.Code, &r.Name, &r.HostUserID, &r.State, &r.Phase,
		&r.DayNumber, &r.PhaseStartedAt, &r.PhaseEndsAt, &r.NightDuration,
		&r.DayDuration, &r.VoteDuration, &r.MinPlayers, &r.MaxPlayers,
		&r.IsPrivate, &r.PasswordHash, &r.WinningTeam, &r.EndReason,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gameerr.NotFound("room")
		}
		return nil, gameerr.Internal(err)
	}
	return &r, nil
}

func (p *Postgres) FindRoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	return scanRoom(p.db.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
}

func (p *Postgres) FindRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	return scanRoom(p.db.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms
		 WHERE code = $1 AND state NOT IN ('ENDED', 'CANCELLED')`, code))
}

func (p *Postgres) CreateRoom(ctx context.Context, r *models.Room) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO rooms (`+roomColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		r.ID, r.Code, r.Name, r.HostUserID, r.State, r.Phase, r.DayNumber,
		r.PhaseStartedAt, r.PhaseEndsAt, r.NightDuration, r.DayDuration,
		r.VoteDuration, r.MinPlayers, r.MaxPlayers, r.IsPrivate, r.PasswordHash,
		r.WinningTeam, r.EndReason, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return gameerr.Conflict("room code %s in use", r.Code)
	}
	return gameerr.Internal(err)
}

func (p *Postgres) UpdateRoom(ctx context.Context, r *models.Room) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE rooms SET name=$2, host_user_id=$3, state=$4, phase=$5,
		 day_number=$6, phase_started_at=$7, phase_ends_at=$8,
		 winning_team=$9, end_reason=$10, updated_at=now()
		 WHERE id=$1`,
		r.ID, r.Name, r.HostUserID, r.State, r.Phase, r.DayNumber,
		r.PhaseStartedAt, r.PhaseEndsAt, r.WinningTeam, r.EndReason)
	if err != nil {
		return gameerr.Internal(err)
	}
	if tag.RowsAffected() == 0 {
		return gameerr.NotFound("room %s", r.ID)
	}
	return nil
}

func (p *Postgres) ListRoomsInPhase(ctx context.Context, phases ...models.GamePhase) ([]*models.Room, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE phase = ANY($1) ORDER BY created_at`,
		phaseStrings(phases))
	if err != nil {
		return nil, gameerr.Internal(err)
	}
	defer rows.Close()
	var out []*models.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, gameerr.Internal(rows.Err())
}

func phaseStrings(phases []models.GamePhase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}

// ---------------------------------------------------------------------------
// Players

const playerColumns = `id, room_id, user_id, username, position, role, state,
	died_at, death_cause, lover_id, is_revealed, chat_channels, joined_at`

func scanPlayer(row pgx.Row) (*models.Player, error) {
	var pl models.Player
	var channels []byte
	err := row.Scan(&pl.ID, &pl.RoomID, &pl.UserID, &pl.Username, &pl.Position,
		&pl.Role, &pl.State, &pl.DiedAt, &pl.DeathCause, &pl.LoverID,
		&pl.IsRevealed, &channels, &pl.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gameerr.NotFound("player")
		}
		return nil, gameerr.Internal(err)
	}
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &pl.ChatChannels); err != nil {
			return nil, gameerr.Internal(err)
		}
	}
	return &pl, nil
}

func (p *Postgres) CreatePlayer(ctx context.Context, pl *models.Player) error {
	channels, err := json.Marshal(pl.ChatChannels)
	if err != nil {
		return gameerr.Internal(err)
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO players (`+playerColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		pl.ID, pl.RoomID, pl.UserID, pl.Username, pl.Position, pl.Role, pl.State,
		pl.DiedAt, pl.DeathCause, pl.LoverID, pl.IsRevealed, channels, pl.JoinedAt)
	if isUniqueViolation(err) {
		return gameerr.Conflict("user %s already in room", pl.UserID)
	}
	return gameerr.Internal(err)
}

func (p *Postgres) UpdatePlayer(ctx context.Context, pl *models.Player) error {
	channels, err := json.Marshal(pl.ChatChannels)
	if err != nil {
		return gameerr.Internal(err)
	}
	tag, err := p.db.Exec(ctx,
		`UPDATE players SET role=$2, state=$3, died_at=$4, death_cause=$5,
		 lover_id=$6, is_revealed=$7, chat_channels=$8, position=$9
		 WHERE id=$1`,
		pl.ID, pl.Role, pl.State, pl.DiedAt, pl.DeathCause, pl.LoverID,
		pl.IsRevealed, channels, pl.Position)
	if err != nil {
		return gameerr.Internal(err)
	}
	if tag.RowsAffected() == 0 {
		return gameerr.NotFound("player %s", pl.ID)
	}
	return nil
}

func (p *Postgres) DeletePlayer(ctx context.Context, id uuid.UUID) error {
	_, err := p.db.Exec(ctx, `DELETE FROM players WHERE id = $1`, id)
	return gameerr.Internal(err)
}

func (p *Postgres) ListPlayers(ctx context.Context, roomID uuid.UUID) ([]*models.Player, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+playerColumns+` FROM players WHERE room_id = $1 ORDER BY position`,
		roomID)
	if err != nil {
		return nil, gameerr.Internal(err)
	}
	defer rows.Close()
	var out []*models.Player
	for rows.Next() {
		pl, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, gameerr.Internal(rows.Err())
}

// ---------------------------------------------------------------------------
// Actions

func (p *Postgres) UpsertAction(ctx context.Context, a *models.GameAction) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return gameerr.Internal(err)
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO game_actions
		 (id, room_id, performer_id, action_type, day_number, phase, target_id, metadata, result, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (room_id, performer_id, action_type, day_number, phase)
		 DO UPDATE SET target_id=$7, metadata=$8, result=$9, created_at=$10`,
		a.ID, a.RoomID, a.PerformerID, a.ActionType, a.DayNumber, a.Phase,
		a.TargetID, meta, a.Result, a.CreatedAt)
	return gameerr.Internal(err)
}

func (p *Postgres) FindActions(ctx context.Context, f ActionFilter) ([]*models.GameAction, error) {
	sql := `SELECT id, room_id, performer_id, action_type, day_number, phase,
		target_id, metadata, result, created_at FROM game_actions WHERE 1=1`
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		sql += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.RoomID != uuid.Nil {
		add("room_id", f.RoomID)
	}
	if f.PerformerID != uuid.Nil {
		add("performer_id", f.PerformerID)
	}
	if f.ActionType != "" {
		add("action_type", f.ActionType)
	}
	if f.DayNumber != 0 {
		add("day_number", f.DayNumber)
	}
	if f.Phase != "" {
		add("phase", f.Phase)
	}
	sql += " ORDER BY created_at"

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, gameerr.Internal(err)
	}
	defer rows.Close()
	var out []*models.GameAction
	for rows.Next() {
		var a models.GameAction
		var meta []byte
		if err := rows.Scan(&a.ID, &a.RoomID, &a.PerformerID, &a.ActionType,
			&a.DayNumber, &a.Phase, &a.TargetID, &meta, &a.Result, &a.CreatedAt); err != nil {
			return nil, gameerr.Internal(err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &a.Metadata); err != nil {
				return nil, gameerr.Internal(err)
			}
		}
		out = append(out, &a)
	}
	return out, gameerr.Internal(rows.Err())
}

func (p *Postgres) DeleteActions(ctx context.Context, f ActionFilter) error {
	sql := `DELETE FROM game_actions WHERE 1=1`
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		sql += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.RoomID != uuid.Nil {
		add("room_id", f.RoomID)
	}
	if f.PerformerID != uuid.Nil {
		add("performer_id", f.PerformerID)
	}
	if f.ActionType != "" {
		add("action_type", f.ActionType)
	}
	if f.DayNumber != 0 {
		add("day_number", f.DayNumber)
	}
	if f.Phase != "" {
		add("phase", f.Phase)
	}
	_, err := p.db.Exec(ctx, sql, args...)
	return gameerr.Internal(err)
}

// ---------------------------------------------------------------------------
// Abilities

func (p *Postgres) UpsertAbility(ctx context.Context, a *models.Ability) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return gameerr.Internal(err)
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO abilities (player_id, type, uses_left, max_uses, cooldown_days, last_used_day, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (player_id, type)
		 DO UPDATE SET uses_left=$3, max_uses=$4, cooldown_days=$5, last_used_day=$6, metadata=$7`,
		a.PlayerID, a.Type, a.UsesLeft, a.MaxUses, a.CooldownDays, a.LastUsedDay, meta)
	return gameerr.Internal(err)
}

func (p *Postgres) FindAbility(ctx context.Context, playerID uuid.UUID, t models.AbilityType) (*models.Ability, error) {
	var a models.Ability
	var meta []byte
	err := p.db.QueryRow(ctx,
		`SELECT player_id, type, uses_left, max_uses, cooldown_days, last_used_day, metadata
		 FROM abilities WHERE player_id = $1 AND type = $2`, playerID, t).
		Scan(&a.PlayerID, &a.Type, &a.UsesLeft, &a.MaxUses, &a.CooldownDays, &a.LastUsedDay, &meta)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gameerr.NotFound("ability %s for player %s", t, playerID)
		}
		return nil, gameerr.Internal(err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, gameerr.Internal(err)
		}
	}
	return &a, nil
}

func (p *Postgres) ListAbilities(ctx context.Context, playerID uuid.UUID) ([]*models.Ability, error) {
	rows, err := p.db.Query(ctx,
		`SELECT player_id, type, uses_left, max_uses, cooldown_days, last_used_day, metadata
		 FROM abilities WHERE player_id = $1 ORDER BY type`, playerID)
	if err != nil {
		return nil, gameerr.Internal(err)
	}
	defer rows.Close()
	var out []*models.Ability
	for rows.Next() {
		var a models.Ability
		var meta []byte
		if err := rows.Scan(&a.PlayerID, &a.Type, &a.UsesLeft, &a.MaxUses,
			&a.CooldownDays, &a.LastUsedDay, &meta); err != nil {
			return nil, gameerr.Internal(err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &a.Metadata); err != nil {
				return nil, gameerr.Internal(err)
			}
		}
		out = append(out, &a)
	}
	return out, gameerr.Internal(rows.Err())
}

func (p *Postgres) DeleteAbilities(ctx context.Context, playerID uuid.UUID) error {
	_, err := p.db.Exec(ctx, `DELETE FROM abilities WHERE player_id = $1`, playerID)
	return gameerr.Internal(err)
}

// ---------------------------------------------------------------------------
// Events, users, stats

func (p *Postgres) CreateEvent(ctx context.Context, e *models.GameEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return gameerr.Internal(err)
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO game_events (id, room_id, event_type, day_number, data, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.RoomID, e.EventType, e.DayNumber, data, e.CreatedAt)
	return gameerr.Internal(err)
}

func (p *Postgres) CreateUser(ctx context.Context, u *models.User) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.CreatedAt)
	if isUniqueViolation(err) {
		return gameerr.Conflict("username or email already registered")
	}
	return gameerr.Internal(err)
}

func (p *Postgres) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := p.db.QueryRow(ctx,
		`SELECT id, username, email, password_hash, created_at FROM users WHERE email = $1`,
		email).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gameerr.NotFound("user %s", email)
		}
		return nil, gameerr.Internal(err)
	}
	return &u, nil
}

func (p *Postgres) FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := p.db.QueryRow(ctx,
		`SELECT id, username, email, password_hash, created_at FROM users WHERE id = $1`,
		id).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gameerr.NotFound("user %s", id)
		}
		return nil, gameerr.Internal(err)
	}
	return &u, nil
}

func (p *Postgres) IncrementUserStats(ctx context.Context, userID uuid.UUID, won bool) error {
	win := 0
	if won {
		win = 1
	}
	_, err := p.db.Exec(ctx,
		`INSERT INTO user_stats (user_id, total_games, total_wins) VALUES ($1, 1, $2)
		 ON CONFLICT (user_id)
		 DO UPDATE SET total_games = user_stats.total_games + 1,
		               total_wins  = user_stats.total_wins + $2`,
		userID, win)
	return gameerr.Internal(err)
}

// ---------------------------------------------------------------------------
// Room transaction

// WithRoomTransaction serializes fn against everything else touching
// the room by taking a transaction-scoped advisory lock on the room id.
// Serialization failures retry with jittered backoff.
func (p *Postgres) WithRoomTransaction(ctx context.Context, roomID uuid.UUID, fn func(tx Store) error) error {
	if p.pool == nil {
		return gameerr.Internal(errors.New("nested room transaction"))
	}
	var lastErr error
	for attempt := 0; attempt < txMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(10*(1<<attempt))*time.Millisecond +
				time.Duration(rand.Intn(20))*time.Millisecond
			log.Warn().Str("roomId", roomID.String()).Int("attempt", attempt).
				Dur("backoff", backoff).Msg("retrying room transaction")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = p.runRoomTx(ctx, roomID, fn)
		if lastErr == nil || !isSerializationFailure(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (p *Postgres) runRoomTx(ctx context.Context, roomID uuid.UUID, fn func(tx Store) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return gameerr.Internal(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, roomID.String()); err != nil {
		return gameerr.Internal(err)
	}
	if err := fn(&Postgres{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return gameerr.Internal(err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/moonvale/server/internal/game"
	"github.com/moonvale/server/internal/gameerr"
	"github.com/moonvale/server/internal/models"
	"github.com/moonvale/server/internal/websocket"
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens at the token layer; origin is not trusted anyway.
		return true
	},
}

// ServeWS upgrades an authenticated request to a websocket and hands
// the socket to the hub.
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn, callerID(c), callerName(c),
		h.handleClientMessage, h.handleClientDisconnect)
	client.Register()

	go client.WritePump()
	go client.ReadPump()
}

// handleClientMessage dispatches one client event onto the game core.
// Every failure goes back to the submitter only.
func (h *Handler) handleClientMessage(c *websocket.Client, msg models.WSMessage) {
	ctx := context.Background()

	var err error
	switch msg.Type {
	case models.ClientGameJoin:
		err = h.wsJoin(ctx, c, msg.Payload)
	case models.ClientGameStart:
		err = h.withRoom(c, func(room *game.Room) error {
			return room.Start(ctx, c.UserID)
		})
	case models.ClientVoteCast:
		err = h.withRoom(c, func(room *game.Room) error {
			target, perr := optionalUUID(msg.Payload, "targetId")
			if perr != nil {
				return perr
			}
			return room.CastVote(ctx, c.UserID, target)
		})
	case models.ClientActionNight:
		err = h.withRoom(c, func(room *game.Room) error {
			req, perr := nightActionFromPayload(msg.Payload)
			if perr != nil {
				return perr
			}
			return room.SubmitNightAction(ctx, c.UserID, req)
		})
	case models.ClientHunterRevenge:
		err = h.withRoom(c, func(room *game.Room) error {
			target, perr := requiredUUID(msg.Payload, "targetId")
			if perr != nil {
				return perr
			}
			return room.HunterShoot(ctx, c.UserID, target)
		})
	case models.ClientDictatorCoup:
		err = h.withRoom(c, func(room *game.Room) error {
			target, perr := requiredUUID(msg.Payload, "targetId")
			if perr != nil {
				return perr
			}
			return room.DictatorCoup(ctx, c.UserID, target)
		})
	case models.ClientCupidLink:
		err = h.withRoom(c, func(room *game.Room) error {
			first, perr := requiredUUID(msg.Payload, "player1Id")
			if perr != nil {
				return perr
			}
			second, perr := requiredUUID(msg.Payload, "player2Id")
			if perr != nil {
				return perr
			}
			return room.SubmitNightAction(ctx, c.UserID, models.NightActionRequest{
				Action:   models.ActionCupidLink,
				TargetID: &first,
				Metadata: map[string]string{"player2_id": second.String()},
			})
		})
	case models.ClientWitchPotion:
		err = h.withRoom(c, func(room *game.Room) error {
			target, perr := requiredUUID(msg.Payload, "targetId")
			if perr != nil {
				return perr
			}
			action := models.ActionWitchHeal
			if kind, _ := msg.Payload["type"].(string); kind == "poison" {
				action = models.ActionWitchPoison
			}
			return room.SubmitNightAction(ctx, c.UserID, models.NightActionRequest{
				Action:   action,
				TargetID: &target,
			})
		})
	default:
		err = gameerr.Validation("unknown event type")
	}

	if err != nil {
		c.SendError(err)
	}
}

// wsJoin binds the socket to a room, marks the player reconnected, and
// replies with a full snapshot.
func (h *Handler) wsJoin(ctx context.Context, c *websocket.Client, payload map[string]any) error {
	roomID, err := requiredUUID(payload, "roomId")
	if err != nil {
		return err
	}
	room, err := h.registry.Lookup(roomID)
	if err != nil {
		return err
	}
	playerID, ok := room.PlayerID(c.UserID)
	if !ok {
		return gameerr.Unauthorized("not a player in this room")
	}

	h.hub.JoinRoom(c, roomID, playerID)
	if err := room.Reconnect(ctx, c.UserID); err != nil {
		log.Warn().Err(err).Str("roomId", roomID.String()).Msg("reconnect")
	}

	snapshot := room.Snapshot(c.UserID)
	c.Send(models.EventGameState, map[string]any{"room": snapshot})
	return nil
}

func (h *Handler) handleClientDisconnect(c *websocket.Client) {
	if c.RoomID == uuid.Nil {
		return
	}
	room, err := h.registry.Lookup(c.RoomID)
	if err != nil {
		return
	}
	room.Disconnect(c.UserID)
}

// withRoom resolves the room the socket joined via game:join.
func (h *Handler) withRoom(c *websocket.Client, fn func(room *game.Room) error) error {
	if c.RoomID == uuid.Nil {
		return gameerr.Precondition("join a room first")
	}
	room, err := h.registry.Lookup(c.RoomID)
	if err != nil {
		return err
	}
	return fn(room)
}

func requiredUUID(payload map[string]any, key string) (uuid.UUID, error) {
	raw, _ := payload[key].(string)
	if raw == "" {
		return uuid.Nil, gameerr.Validation(key + " is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, gameerr.Validation("malformed " + key)
	}
	return id, nil
}

// optionalUUID treats a missing or null value as nil (abstention).
func optionalUUID(payload map[string]any, key string) (*uuid.UUID, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return nil, nil
	}
	s, _ := raw.(string)
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, gameerr.Validation("malformed " + key)
	}
	return &id, nil
}

func nightActionFromPayload(payload map[string]any) (models.NightActionRequest, error) {
	action, _ := payload["action"].(string)
	if action == "" {
		return models.NightActionRequest{}, gameerr.Validation("action is required")
	}
	req := models.NightActionRequest{Action: models.ActionType(action)}

	target, err := optionalUUID(payload, "targetId")
	if err != nil {
		return models.NightActionRequest{}, err
	}
	req.TargetID = target

	if meta, ok := payload["metadata"].(map[string]any); ok {
		req.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			if s, ok := v.(string); ok {
				req.Metadata[k] = s
			}
		}
	}
	return req, nil
}

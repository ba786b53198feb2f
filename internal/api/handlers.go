package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/moonvale/server/internal/config"
	"github.com/moonvale/server/internal/game"
	"github.com/moonvale/server/internal/gameerr"
	"github.com/moonvale/server/internal/models"
	"github.com/moonvale/server/internal/store"
	"github.com/moonvale/server/internal/voice"
	"github.com/moonvale/server/internal/websocket"
)

// Handler wires the HTTP and websocket surface to the game core.
type Handler struct {
	cfg      *config.Config
	store    store.Store
	registry *game.Registry
	hub      *websocket.Hub
	voice    *voice.Service
}

func NewHandler(cfg *config.Config, st store.Store, registry *game.Registry,
	hub *websocket.Hub, voiceSvc *voice.Service) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    st,
		registry: registry,
		hub:      hub,
		voice:    voiceSvc,
	}
}

// Router builds the gin engine with all routes mounted.
func (h *Handler) Router() *gin.Engine {
	if h.cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     h.cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.POST("/register", h.Register)
			auth.POST("/login", h.Login)
		}

		authed := v1.Group("")
		authed.Use(h.AuthMiddleware())
		{
			rooms := authed.Group("/rooms")
			{
				rooms.GET("", h.ListRooms)
				rooms.POST("", h.CreateRoom)
				rooms.POST("/join", h.JoinRoom)
				rooms.GET("/:roomId", h.GetRoom)
				rooms.POST("/:roomId/leave", h.LeaveRoom)
				rooms.POST("/:roomId/start", h.StartGame)
			}
			authed.POST("/voice/token", h.VoiceToken)
			authed.GET("/ws", h.ServeWS)
		}
	}
	return r
}

// ---------------------------------------------------------------------------
// Rooms

func (h *Handler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.registry.OpenRooms(callerID(c))})
}

func (h *Handler) CreateRoom(c *gin.Context) {
	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var passwordHash *string
	if req.IsPrivate && req.Password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to hash password"})
			return
		}
		s := string(hashed)
		passwordHash = &s
	}

	room, err := h.registry.CreateRoom(c.Request.Context(), callerID(c), callerName(c),
		config.RoomSettings{
			Name:          req.Name,
			MinPlayers:    req.MinPlayers,
			MaxPlayers:    req.MaxPlayers,
			IsPrivate:     req.IsPrivate,
			Password:      req.Password,
			NightDuration: req.NightDuration,
			DayDuration:   req.DayDuration,
			VoteDuration:  req.VoteDuration,
		}, passwordHash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room.Snapshot(callerID(c)))
}

func (h *Handler) JoinRoom(c *gin.Context) {
	var req models.JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.registry.LookupByCode(req.Code)
	if err != nil {
		respondError(c, err)
		return
	}

	model, err := h.store.FindRoomByCode(c.Request.Context(), req.Code)
	if err != nil {
		respondError(c, err)
		return
	}
	if model.IsPrivate {
		if model.PasswordHash == nil ||
			bcrypt.CompareHashAndPassword([]byte(*model.PasswordHash), []byte(req.Password)) != nil {
			respondError(c, gameerr.Unauthorized("wrong room password"))
			return
		}
	}

	if _, err := room.Join(c.Request.Context(), callerID(c), callerName(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room.Snapshot(callerID(c)))
}

func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.roomFromPath(c)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room.Snapshot(callerID(c)))
}

func (h *Handler) LeaveRoom(c *gin.Context) {
	room, err := h.roomFromPath(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := room.Leave(c.Request.Context(), callerID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "left room"})
}

func (h *Handler) StartGame(c *gin.Context) {
	room, err := h.roomFromPath(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := room.Start(c.Request.Context(), callerID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room.Snapshot(callerID(c)))
}

func (h *Handler) roomFromPath(c *gin.Context) (*game.Room, error) {
	roomID, err := uuid.Parse(c.Param("roomId"))
	if err != nil {
		return nil, gameerr.Validation("malformed room id")
	}
	return h.registry.Lookup(roomID)
}

// ---------------------------------------------------------------------------
// Voice

// VoiceToken signs access to a channel the game core has granted the
// caller. Non-wolves with werewolf channel access (the spying little
// girl) get listen-only tokens.
func (h *Handler) VoiceToken(c *gin.Context) {
	var req models.VoiceTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.registry.Lookup(req.RoomID)
	if err != nil {
		respondError(c, err)
		return
	}

	granted := false
	for _, ch := range room.ChannelsFor(callerID(c)) {
		if ch == req.Channel {
			granted = true
			break
		}
	}
	if !granted {
		respondError(c, gameerr.Unauthorized("channel not granted"))
		return
	}

	var token string
	if req.Channel == models.ChannelWerewolf && !room.OnWerewolfTeam(callerID(c)) {
		token, err = h.voice.SubscriberToken(req.RoomID, req.Channel, callerID(c))
	} else {
		token, err = h.voice.PublisherToken(req.RoomID, req.Channel, callerID(c))
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"channel": voice.ChannelName(req.RoomID, req.Channel),
		"app_id":  h.voice.AppID(),
	})
}

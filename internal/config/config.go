package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/moonvale/server/internal/gameerr"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Agora    AgoraConfig
	Game     GameConfig
}

type ServerConfig struct {
	Address        string
	Environment    string
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type AgoraConfig struct {
	AppID          string
	AppCertificate string
	TokenExpiry    uint32
}

// GameConfig holds the process-wide rule knobs. Per-room durations are
// chosen at room creation and validated by ValidateRoomSettings.
type GameConfig struct {
	LittleGirlCatchProb  float64
	HunterRevengeSeconds int
	DisconnectGraceSecs  int
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address:        getEnv("SERVER_ADDRESS", ":8080"),
			Environment:    getEnv("ENVIRONMENT", "development"),
			AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "moonvale"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpiryHours: getEnvAsInt("JWT_EXPIRY_HOURS", 24),
		},
		Agora: AgoraConfig{
			AppID:          getEnv("AGORA_APP_ID", ""),
			AppCertificate: getEnv("AGORA_APP_CERTIFICATE", ""),
			TokenExpiry:    uint32(getEnvAsInt("AGORA_TOKEN_EXPIRY", 3600)),
		},
		Game: GameConfig{
			LittleGirlCatchProb:  getEnvAsFloat("LITTLE_GIRL_CATCH_PROB", 0.1),
			HunterRevengeSeconds: getEnvAsInt("HUNTER_REVENGE_SECONDS", 30),
			DisconnectGraceSecs:  getEnvAsInt("DISCONNECT_GRACE_SECONDS", 60),
		},
	}

	if cfg.Server.Environment == "production" {
		if cfg.JWT.Secret == "change-me-in-production" {
			return nil, fmt.Errorf("JWT_SECRET is required in production")
		}
		if cfg.Agora.AppID == "" {
			return nil, fmt.Errorf("AGORA_APP_ID is required in production")
		}
		if cfg.Agora.AppCertificate == "" {
			return nil, fmt.Errorf("AGORA_APP_CERTIFICATE is required in production")
		}
	}

	return cfg, nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// RoomSettings are the per-room knobs chosen at creation. Durations are
// in seconds.
type RoomSettings struct {
	Name          string
	MinPlayers    int
	MaxPlayers    int
	IsPrivate     bool
	Password      string
	NightDuration int
	DayDuration   int
	VoteDuration  int
}

const (
	DefaultNightDuration = 90
	DefaultDayDuration   = 180
	DefaultVoteDuration  = 60

	MinRoomPlayers = 5
	MaxRoomPlayers = 15
)

// ValidateRoomSettings applies defaults for zero values and rejects
// anything out of bounds.
func ValidateRoomSettings(s *RoomSettings) error {
	if len(s.Name) < 1 || len(s.Name) > 50 {
		return gameerr.Validation("room name must be 1-50 characters")
	}
	if s.MinPlayers == 0 {
		s.MinPlayers = MinRoomPlayers
	}
	if s.MaxPlayers == 0 {
		s.MaxPlayers = MaxRoomPlayers
	}
	if s.NightDuration == 0 {
		s.NightDuration = DefaultNightDuration
	}
	if s.DayDuration == 0 {
		s.DayDuration = DefaultDayDuration
	}
	if s.VoteDuration == 0 {
		s.VoteDuration = DefaultVoteDuration
	}
	if s.MinPlayers < MinRoomPlayers || s.MinPlayers > MaxRoomPlayers {
		return gameerr.Validation("min_players must be between %d and %d", MinRoomPlayers, MaxRoomPlayers)
	}
	if s.MaxPlayers < MinRoomPlayers || s.MaxPlayers > MaxRoomPlayers {
		return gameerr.Validation("max_players must be between %d and %d", MinRoomPlayers, MaxRoomPlayers)
	}
	if s.MinPlayers > s.MaxPlayers {
		return gameerr.Validation("min_players cannot exceed max_players")
	}
	if s.NightDuration < 30 || s.NightDuration > 180 {
		return gameerr.Validation("night_duration must be between 30 and 180 seconds")
	}
	if s.DayDuration < 60 || s.DayDuration > 300 {
		return gameerr.Validation("day_duration must be between 60 and 300 seconds")
	}
	if s.VoteDuration < 30 || s.VoteDuration > 120 {
		return gameerr.Validation("vote_duration must be between 30 and 120 seconds")
	}
	if s.IsPrivate && s.Password == "" {
		return gameerr.Validation("private rooms require a password")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

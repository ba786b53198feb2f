package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonvale/server/internal/gameerr"
)

func TestValidateRoomSettingsAppliesDefaults(t *testing.T) {
	s := RoomSettings{Name: "village"}
	require.NoError(t, ValidateRoomSettings(&s))

	assert.Equal(t, DefaultNightDuration, s.NightDuration)
	assert.Equal(t, DefaultDayDuration, s.DayDuration)
	assert.Equal(t, DefaultVoteDuration, s.VoteDuration)
	assert.Equal(t, MinRoomPlayers, s.MinPlayers)
	assert.Equal(t, MaxRoomPlayers, s.MaxPlayers)
}

func TestValidateRoomSettingsBounds(t *testing.T) {
	cases := []struct {
		name     string
		settings RoomSettings
	}{
		{"empty name", RoomSettings{}},
		{"night too short", RoomSettings{Name: "x", NightDuration: 10}},
		{"night too long", RoomSettings{Name: "x", NightDuration: 500}},
		{"day too short", RoomSettings{Name: "x", DayDuration: 30}},
		{"vote too long", RoomSettings{Name: "x", VoteDuration: 300}},
		{"too few players", RoomSettings{Name: "x", MinPlayers: 2}},
		{"too many players", RoomSettings{Name: "x", MaxPlayers: 30}},
		{"min above max", RoomSettings{Name: "x", MinPlayers: 10, MaxPlayers: 6}},
		{"private without password", RoomSettings{Name: "x", IsPrivate: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRoomSettings(&tc.settings)
			require.ErrorIs(t, err, gameerr.ErrValidation)
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "development", cfg.Server.Environment)
	assert.Equal(t, 24, cfg.JWT.ExpiryHours)
	assert.InDelta(t, 0.1, cfg.Game.LittleGirlCatchProb, 1e-9)
	assert.Equal(t, 30, cfg.Game.HunterRevengeSeconds)
}

func TestConnectionString(t *testing.T) {
	db := DatabaseConfig{
		Host: "db", Port: 5432, User: "app", Password: "secret",
		DBName: "moonvale", SSLMode: "disable",
	}
	assert.Equal(t,
		"postgres://app:secret@db:5432/moonvale?sslmode=disable",
		db.ConnectionString())
}

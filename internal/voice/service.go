// Package voice signs Agora RTC tokens for the per-phase voice
// channels. The game core decides who may sit in which channel; this
// service only turns a granted channel into a token.
package voice

import (
	"fmt"
	"hash/fnv"
	"time"

	rtctokenbuilder "github.com/AgoraIO-Community/go-tokenbuilder/rtctokenbuilder"
	"github.com/google/uuid"

	"github.com/moonvale/server/internal/config"
	"github.com/moonvale/server/internal/gameerr"
)

type Service struct {
	appID          string
	appCertificate string
	tokenExpiry    uint32
}

func NewService(cfg *config.AgoraConfig) *Service {
	return &Service{
		appID:          cfg.AppID,
		appCertificate: cfg.AppCertificate,
		tokenExpiry:    cfg.TokenExpiry,
	}
}

// Enabled reports whether the deployment carries Agora credentials.
func (s *Service) Enabled() bool {
	return s.appID != "" && s.appCertificate != ""
}

// ChannelName scopes a room channel for Agora: alphanumeric with
// hyphens, under the 64-char limit.
func ChannelName(roomID uuid.UUID, channel string) string {
	return roomID.String() + "-" + channel
}

// PublisherToken signs speaking access to a room channel.
func (s *Service) PublisherToken(roomID uuid.UUID, channel string, userID uuid.UUID) (string, error) {
	return s.build(roomID, channel, userID, rtctokenbuilder.RolePublisher)
}

// SubscriberToken signs listen-only access; the little girl's spy
// window uses this.
func (s *Service) SubscriberToken(roomID uuid.UUID, channel string, userID uuid.UUID) (string, error) {
	return s.build(roomID, channel, userID, rtctokenbuilder.RoleSubscriber)
}

func (s *Service) build(roomID uuid.UUID, channel string, userID uuid.UUID, role rtctokenbuilder.Role) (string, error) {
	if !s.Enabled() {
		return "", gameerr.Precondition("voice is not configured")
	}
	expireAt := uint32(time.Now().Unix()) + s.tokenExpiry
	token, err := rtctokenbuilder.BuildTokenWithUID(
		s.appID,
		s.appCertificate,
		ChannelName(roomID, channel),
		agoraUID(userID),
		role,
		expireAt,
	)
	if err != nil {
		return "", fmt.Errorf("build voice token: %w", err)
	}
	return token, nil
}

func (s *Service) AppID() string { return s.appID }

// agoraUID folds a uuid into Agora's 32-bit uid space, avoiding 0
// (which Agora treats as "any uid").
func agoraUID(id uuid.UUID) uint32 {
	h := fnv.New32a()
	h.Write(id[:])
	uid := h.Sum32()
	if uid == 0 {
		uid = 1
	}
	return uid
}

package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"coderoom/internal/config"
	"coderoom/internal/models"
)

// Provider provisions a short-lived voice session for a room participant.
type Provider interface {
	Issue(ctx context.Context, roomID string, identity models.Identity) (*models.VoiceSession, error)
}

// Claims carried by a voice join token. The media server verifies them with
// the shared secret.
type Claims struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"user_name"`
	jwt.RegisteredClaims
}

type TokenProvider struct {
	cfg config.VoiceConfig
	now func() time.Time
}

func NewTokenProvider(cfg config.VoiceConfig) *TokenProvider {
	return &TokenProvider{cfg: cfg, now: time.Now}
}

func (p *TokenProvider) Issue(_ context.Context, roomID string, identity models.Identity) (*models.VoiceSession, error) {
	now := p.now().UTC()
	expiresAt := now.Add(p.cfg.TokenTTL)
	claims := Claims{
		RoomID:      roomID,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identity.UserID,
			Audience:  jwt.ClaimStrings{roomID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign voice token: %w", err)
	}
	return &models.VoiceSession{
		RoomID:    roomID,
		Token:     token,
		URL:       p.cfg.Endpoint + "/" + roomID,
		ExpiresAt: expiresAt,
	}, nil
}

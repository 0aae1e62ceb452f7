package voice

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"coderoom/internal/config"
	"coderoom/internal/models"
)

func parse(token, roomID string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("voice-secret"), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(roomID),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	return claims, err
}

func TestTokenProvider_Issue(t *testing.T) {
	req := require.New(t)
	p := NewTokenProvider(config.VoiceConfig{
		Secret:   []byte("voice-secret"),
		Endpoint: "wss://voice.example.com/rooms",
		TokenTTL: 10 * time.Minute,
	})
	identity := models.Identity{UserID: "u1", DisplayName: "Ada"}

	session, err := p.Issue(context.Background(), "room-1", identity)
	req.NoError(err)
	req.Equal("room-1", session.RoomID)
	req.Equal("wss://voice.example.com/rooms/room-1", session.URL)
	req.WithinDuration(time.Now().Add(10*time.Minute), session.ExpiresAt, 5*time.Second)

	// The media server can read who joins which room
	claims, err := parse(session.Token, "room-1", time.Now())
	req.NoError(err)
	req.Equal("u1", claims.UserID)
	req.Equal("Ada", claims.DisplayName)
	req.Equal("room-1", claims.RoomID)

	// A token for one room does not open another
	_, err = parse(session.Token, "room-2", time.Now())
	req.Error(err)

	// Nor does it outlive its TTL
	_, err = parse(session.Token, "room-1", time.Now().Add(time.Hour))
	req.Error(err)
}

package authsvc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	ErrTokenInvalid = errors.New("token invalid or expired")
)

const (
	accessTTL  = 15 * time.Minute
	refreshTTL = 7 * 24 * time.Hour

	accessPrefix  = "token:access:"
	refreshPrefix = "token:refresh:"
)

// Identity is what a valid access token resolves to.
type Identity struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Role     string `json:"role"`
}

func (i Identity) IsAdmin() bool {
	return i.Role == "admin"
}

// Tokens issues and resolves session tokens.
type Tokens interface {
	Issue(ctx context.Context, id Identity) (access, refresh string, err error)
	Authenticate(ctx context.Context, access string) (*Identity, error)
	Refresh(ctx context.Context, refreshToken string) (string, error)
	Revoke(ctx context.Context, access string) error
}

// RedisTokens keeps opaque tokens in Redis with TTLs: short-lived access
// tokens, week-long refresh tokens. Refreshing mints a new access token
// without touching the refresh token.
type RedisTokens struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisTokens(client *redis.Client, logger *logrus.Logger) *RedisTokens {
	return &RedisTokens{client: client, logger: logger}
}

func (t *RedisTokens) Issue(ctx context.Context, id Identity) (string, string, error) {
	payload, err := json.Marshal(id)
	if err != nil {
		return "", "", err
	}

	access := uuid.New().String()
	refresh := uuid.New().String()

	if err := t.client.Set(ctx, accessPrefix+access, payload, accessTTL).Err(); err != nil {
		return "", "", err
	}
	if err := t.client.Set(ctx, refreshPrefix+refresh, payload, refreshTTL).Err(); err != nil {
		return "", "", err
	}

	t.logger.WithField("user_id", id.UserID).Debug("Session issued")
	return access, refresh, nil
}

func (t *RedisTokens) Authenticate(ctx context.Context, access string) (*Identity, error) {
	return t.resolve(ctx, accessPrefix+access)
}

func (t *RedisTokens) Refresh(ctx context.Context, refreshToken string) (string, error) {
	id, err := t.resolve(ctx, refreshPrefix+refreshToken)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	access := uuid.New().String()
	if err := t.client.Set(ctx, accessPrefix+access, payload, accessTTL).Err(); err != nil {
		return "", err
	}

	t.logger.WithField("user_id", id.UserID).Debug("Access token refreshed")
	return access, nil
}

func (t *RedisTokens) Revoke(ctx context.Context, access string) error {
	return t.client.Del(ctx, accessPrefix+access).Err()
}

func (t *RedisTokens) resolve(ctx context.Context, key string) (*Identity, error) {
	raw, err := t.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}

	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

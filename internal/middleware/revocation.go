package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"consultlink-backend/internal/database"
	appJWT "consultlink-backend/pkg/jwt"
)

// RedisRevocationChecker implements RevocationChecker using Redis
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

func revocationKey(jti string) string {
	return fmt.Sprintf("consult:revoked:%s", jti)
}

func tokenID(tokenString string) (string, time.Time, error) {
	// signature is validated by AuthMiddleware before this runs
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &appJWT.Claims{})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*appJWT.Claims)
	if !ok {
		return "", time.Time{}, fmt.Errorf("invalid claims")
	}

	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return claims.ID, exp, nil
}

// IsTokenRevoked checks if a token is in the Redis blacklist
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	jti, _, err := tokenID(tokenString)
	if err != nil {
		return false, err
	}
	if jti == "" {
		return false, nil
	}

	_, err = c.client.SafeGet(ctx, revocationKey(jti)).Result()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
}

// Revoke blacklists the token until its own expiry
func (c *RedisRevocationChecker) Revoke(ctx context.Context, tokenString string) error {
	jti, exp, err := tokenID(tokenString)
	if err != nil {
		return err
	}
	if jti == "" {
		return fmt.Errorf("token has no id")
	}

	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	return c.client.SafeSet(ctx, revocationKey(jti), "1", ttl).Err()
}

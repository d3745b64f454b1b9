package notify

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// New returns a Redis-backed hub when redisURL is set, otherwise an
// in-process hub.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (Hub, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewMemoryHub(), nil
	}
	return NewRedisHub(ctx, redisURL, logger)
}

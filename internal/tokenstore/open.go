package tokenstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// OpenMedium selects a storage medium from a URL. An empty URL or the memory scheme yields an
// in-process medium; sqlite and postgres use GORM; redis and rediss use go-redis.
func OpenMedium(ctx context.Context, storageURL string) (Medium, string, error) {
	trimmed := strings.TrimSpace(storageURL)
	if trimmed == "" {
		return NewMemoryMedium(), "memory", nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("token_store.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemoryMedium(), "memory", nil
	case "redis", "rediss":
		medium, redisErr := NewRedisMedium(ctx, trimmed)
		if redisErr != nil {
			return nil, "", redisErr
		}
		return medium, "redis", nil
	default:
		medium, databaseErr := NewDatabaseMedium(ctx, trimmed)
		if databaseErr != nil {
			return nil, "", databaseErr
		}
		return medium, medium.Driver(), nil
	}
}

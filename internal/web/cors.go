package web

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("web.cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("web.cors.no_origins")
	errInvalidOrigin       = errors.New("web.cors.invalid_origin")
)

// ConfigureCORS allows credentialed requests from the listed browser origins.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := normalizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Type", "Location"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

// normalizeOrigins keeps the configured order and drops duplicates.
func normalizeOrigins(logger *zap.Logger, configured []string) ([]string, error) {
	seen := make(map[string]struct{}, len(configured))
	origins := make([]string, 0, len(configured))
	for _, raw := range configured {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		origin, secure, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if _, duplicate := seen[origin]; duplicate {
			continue
		}
		if !secure {
			logger.Warn("plain http cors origin configured",
				zap.String("code", "web.cors.insecure_origin"),
				zap.String("origin", origin))
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	return origins, nil
}

// normalizeOrigin returns scheme://host and whether the origin is safe to trust over the network.
func normalizeOrigin(raw string) (string, bool, error) {
	if raw == "*" {
		return "", false, errWildcardOrigin
	}
	parsed, parseErr := url.Parse(raw)
	if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false, fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	}
	if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", false, fmt.Errorf("%w: %s is not a bare origin", errInvalidOrigin, raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "https":
		return scheme + "://" + parsed.Host, true, nil
	case "http":
		hostname := parsed.Hostname()
		return scheme + "://" + parsed.Host, hostname == "localhost" || hostname == "127.0.0.1", nil
	default:
		return "", false, fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, raw)
	}
}

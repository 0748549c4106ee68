package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Keys written to the storage medium. Clear removes all of them together.
const (
	KeyAuthToken                  = "authToken"
	KeyUserType                   = "user_type"
	KeyRole                       = "role"
	KeySettings                   = "settings"
	KeyFirstLoginAfterSettingFlag = "firstLoginAfterSettingFlag"
)

var sessionKeys = []string{
	KeyAuthToken,
	KeyUserType,
	KeyRole,
	KeySettings,
	KeyFirstLoginAfterSettingFlag,
}

var (
	// ErrCorruptPair indicates the persisted token pair could not be parsed.
	ErrCorruptPair = errors.New("token_store.corrupt_pair")
	// ErrEmptyAccessToken indicates an attempt to persist a pair without an access token.
	ErrEmptyAccessToken = errors.New("token_store.empty_access_token")
	// ErrCorruptValue indicates an ancillary value could not be parsed.
	ErrCorruptValue = errors.New("token_store.corrupt_value")
)

// TokenPair is the bearer credential pair issued by the backend.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// IsZero reports whether the pair is empty.
func (pair TokenPair) IsZero() bool {
	return pair.Access == "" && pair.Refresh == ""
}

// Medium is the durable key/value backing for the store.
type Medium interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Store persists the session token pair and the values derived from it.
type Store struct {
	medium Medium
}

// New wraps a storage medium.
func New(medium Medium) *Store {
	if medium == nil {
		medium = NewMemoryMedium()
	}
	return &Store{medium: medium}
}

// Save replaces the persisted token pair.
func (store *Store) Save(ctx context.Context, pair TokenPair) error {
	if strings.TrimSpace(pair.Access) == "" {
		return fmt.Errorf("token_store.save: %w", ErrEmptyAccessToken)
	}
	encoded, encodeErr := json.Marshal(pair)
	if encodeErr != nil {
		return fmt.Errorf("token_store.save: %w", encodeErr)
	}
	if err := store.medium.Set(ctx, KeyAuthToken, string(encoded)); err != nil {
		return fmt.Errorf("token_store.save: %w", err)
	}
	return nil
}

// Load returns the persisted token pair, or false when nothing is stored.
func (store *Store) Load(ctx context.Context) (TokenPair, bool, error) {
	raw, found, err := store.medium.Get(ctx, KeyAuthToken)
	if err != nil {
		return TokenPair{}, false, fmt.Errorf("token_store.load: %w", err)
	}
	if !found {
		return TokenPair{}, false, nil
	}
	var pair TokenPair
	if decodeErr := json.Unmarshal([]byte(raw), &pair); decodeErr != nil {
		return TokenPair{}, false, fmt.Errorf("token_store.load: %w", ErrCorruptPair)
	}
	if strings.TrimSpace(pair.Access) == "" {
		return TokenPair{}, false, fmt.Errorf("token_store.load: %w", ErrCorruptPair)
	}
	return pair, true, nil
}

// Clear removes the token pair and every cached value derived from the session.
func (store *Store) Clear(ctx context.Context) error {
	if err := store.medium.Delete(ctx, sessionKeys...); err != nil {
		return fmt.Errorf("token_store.clear: %w", err)
	}
	return nil
}

// SaveRoles persists the role claim of the current access token.
func (store *Store) SaveRoles(ctx context.Context, roles []string) error {
	if roles == nil {
		roles = []string{}
	}
	encoded, encodeErr := json.Marshal(roles)
	if encodeErr != nil {
		return fmt.Errorf("token_store.save_roles: %w", encodeErr)
	}
	if err := store.medium.Set(ctx, KeyRole, string(encoded)); err != nil {
		return fmt.Errorf("token_store.save_roles: %w", err)
	}
	return nil
}

// Roles returns the cached roles.
func (store *Store) Roles(ctx context.Context) ([]string, error) {
	raw, found, err := store.medium.Get(ctx, KeyRole)
	if err != nil {
		return nil, fmt.Errorf("token_store.roles: %w", err)
	}
	if !found {
		return nil, nil
	}
	var roles []string
	if decodeErr := json.Unmarshal([]byte(raw), &roles); decodeErr != nil {
		return nil, fmt.Errorf("token_store.roles: %w", ErrCorruptValue)
	}
	return roles, nil
}

// SaveUserType persists the account type.
func (store *Store) SaveUserType(ctx context.Context, userType string) error {
	if err := store.medium.Set(ctx, KeyUserType, userType); err != nil {
		return fmt.Errorf("token_store.save_user_type: %w", err)
	}
	return nil
}

// UserType returns the cached account type.
func (store *Store) UserType(ctx context.Context) (string, error) {
	value, _, err := store.medium.Get(ctx, KeyUserType)
	if err != nil {
		return "", fmt.Errorf("token_store.user_type: %w", err)
	}
	return value, nil
}

// SaveSettings caches the user's settings document.
func (store *Store) SaveSettings(ctx context.Context, settings map[string]any) error {
	encoded, encodeErr := json.Marshal(settings)
	if encodeErr != nil {
		return fmt.Errorf("token_store.save_settings: %w", encodeErr)
	}
	if err := store.medium.Set(ctx, KeySettings, string(encoded)); err != nil {
		return fmt.Errorf("token_store.save_settings: %w", err)
	}
	return nil
}

// Settings returns the cached settings document; a missing document is empty.
func (store *Store) Settings(ctx context.Context) (map[string]any, error) {
	raw, found, err := store.medium.Get(ctx, KeySettings)
	if err != nil {
		return nil, fmt.Errorf("token_store.settings: %w", err)
	}
	settings := map[string]any{}
	if !found {
		return settings, nil
	}
	if decodeErr := json.Unmarshal([]byte(raw), &settings); decodeErr != nil {
		return map[string]any{}, fmt.Errorf("token_store.settings: %w", ErrCorruptValue)
	}
	return settings, nil
}

// MarkFirstLoginAfterSettings flags that the next landing page follows the settings preference.
func (store *Store) MarkFirstLoginAfterSettings(ctx context.Context) error {
	if err := store.medium.Set(ctx, KeyFirstLoginAfterSettingFlag, "true"); err != nil {
		return fmt.Errorf("token_store.mark_first_login: %w", err)
	}
	return nil
}

// FirstLoginAfterSettings reports whether the first-login flag is set.
func (store *Store) FirstLoginAfterSettings(ctx context.Context) (bool, error) {
	value, _, err := store.medium.Get(ctx, KeyFirstLoginAfterSettingFlag)
	if err != nil {
		return false, fmt.Errorf("token_store.first_login: %w", err)
	}
	return value == "true", nil
}

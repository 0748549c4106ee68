package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tyemirov/chandlo/internal/tokenstore"
	"go.uber.org/zap"
)

const maxResponseBytes = 4 << 20

// Endpoints maps backend operations to paths relative to the host.
type Endpoints struct {
	Token        string
	RefreshToken string
	CreateUser   string
	UserProfile  string
	Resources    map[string]string
}

// DefaultEndpoints returns the paths served by the Chandlo backend.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Token:        "/api/token/",
		RefreshToken: "/api/token/refresh/",
		CreateUser:   "/api/createUser/",
		UserProfile:  "/api/userProfile/",
		Resources: map[string]string{
			"events":      "/api/events/",
			"guest":       "/api/guest/",
			"guestRecord": "/api/guestRecord/",
			"expense":     "/api/expense/",
			"user":        "/api/user/",
		},
	}
}

// Config configures the Client.
type Config struct {
	Host       string
	Endpoints  Endpoints
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the Chandlo REST backend.
type Client struct {
	host       string
	endpoints  Endpoints
	httpClient *http.Client
	logger     *zap.Logger
}

// New constructs a Client after validating the configuration.
func New(configuration Config, logger *zap.Logger) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(configuration.Host), "/")
	if host == "" {
		return nil, fmt.Errorf("api.new: %w", ErrMissingHost)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		timeout := configuration.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	endpoints := configuration.Endpoints
	defaults := DefaultEndpoints()
	if endpoints.Token == "" {
		endpoints.Token = defaults.Token
	}
	if endpoints.RefreshToken == "" {
		endpoints.RefreshToken = defaults.RefreshToken
	}
	if endpoints.CreateUser == "" {
		endpoints.CreateUser = defaults.CreateUser
	}
	if endpoints.UserProfile == "" {
		endpoints.UserProfile = defaults.UserProfile
	}
	if endpoints.Resources == nil {
		endpoints.Resources = defaults.Resources
	}
	return &Client{
		host:       host,
		endpoints:  endpoints,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ObtainTokens exchanges credentials for a token pair.
func (client *Client) ObtainTokens(ctx context.Context, username string, password string) (tokenstore.TokenPair, error) {
	return client.postForPair(ctx, "token", client.endpoints.Token, map[string]string{
		"username": username,
		"password": password,
	})
}

// RefreshTokens exchanges a refresh token for a new pair.
func (client *Client) RefreshTokens(ctx context.Context, refreshToken string) (tokenstore.TokenPair, error) {
	return client.postForPair(ctx, "refresh_token", client.endpoints.RefreshToken, map[string]string{
		"refresh": refreshToken,
	})
}

// CreateUser registers an account and returns the backend message.
func (client *Client) CreateUser(ctx context.Context, payload map[string]any) (string, error) {
	statusCode, body, err := client.do(ctx, http.MethodPost, client.host+client.endpoints.CreateUser, "", payload)
	if err != nil {
		return "", &NetworkError{Operation: "create_user", Err: err}
	}
	if statusCode < 200 || statusCode >= 300 {
		return "", classify("create_user", statusCode, body)
	}
	var answer struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &answer)
	return answer.Message, nil
}

// VerifyAccount probes the profile endpoint to confirm the account behind the token still exists.
func (client *Client) VerifyAccount(ctx context.Context, accessToken string) error {
	statusCode, body, err := client.do(ctx, http.MethodGet, client.host+client.endpoints.UserProfile, accessToken, nil)
	if err != nil {
		return &NetworkError{Operation: "user_profile", Err: err}
	}
	if statusCode < 200 || statusCode >= 300 {
		return classify("user_profile", statusCode, body)
	}
	return nil
}

func (client *Client) postForPair(ctx context.Context, operation string, path string, payload any) (tokenstore.TokenPair, error) {
	statusCode, body, err := client.do(ctx, http.MethodPost, client.host+path, "", payload)
	if err != nil {
		client.logger.Debug("auth request failed",
			zap.String("code", "api."+operation+".transport"),
			zap.Error(err))
		return tokenstore.TokenPair{}, &NetworkError{Operation: operation, Err: err}
	}
	if statusCode < 200 || statusCode >= 300 {
		return tokenstore.TokenPair{}, classify(operation, statusCode, body)
	}
	var pair tokenstore.TokenPair
	if decodeErr := json.Unmarshal(body, &pair); decodeErr != nil {
		return tokenstore.TokenPair{}, &NetworkError{Operation: operation, StatusCode: statusCode, Err: decodeErr}
	}
	if strings.TrimSpace(pair.Access) == "" {
		return tokenstore.TokenPair{}, &NetworkError{Operation: operation, StatusCode: statusCode, Err: ErrEmptyTokenPair}
	}
	return pair, nil
}

func (client *Client) do(ctx context.Context, method string, target string, accessToken string, payload any) (int, []byte, error) {
	var requestBody io.Reader
	if payload != nil {
		encoded, encodeErr := json.Marshal(payload)
		if encodeErr != nil {
			return 0, nil, encodeErr
		}
		requestBody = bytes.NewReader(encoded)
	}
	request, requestErr := http.NewRequestWithContext(ctx, method, target, requestBody)
	if requestErr != nil {
		return 0, nil, requestErr
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}
	response, responseErr := client.httpClient.Do(request)
	if responseErr != nil {
		return 0, nil, responseErr
	}
	defer func() { _ = response.Body.Close() }()
	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if readErr != nil {
		return response.StatusCode, nil, readErr
	}
	return response.StatusCode, body, nil
}

func classify(operation string, statusCode int, body []byte) error {
	message := extractMessage(body)
	if IsAuthStatus(statusCode) {
		return &AuthError{Operation: operation, StatusCode: statusCode, Message: message}
	}
	return &NetworkError{Operation: operation, StatusCode: statusCode, Message: message}
}

func extractMessage(body []byte) string {
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	for _, field := range []string{"message", "detail", "error"} {
		if value, ok := envelope[field].(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

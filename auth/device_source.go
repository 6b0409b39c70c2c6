package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultExchangeTimeout = 10 * time.Second
	defaultRefreshSkew     = 30 * time.Second

	pathDeviceAuth = "/api/v1/auth/device"
)

var (
	ErrMissingAuthBaseURL = errors.New("auth: base url required")
	ErrMissingDeviceKey   = errors.New("auth: device key required")

	errEmptyAccessToken = errors.New("auth: exchange response missing access token")
)

// DeviceTokenSourceConfig bundles configuration required to instantiate a
// DeviceTokenSource.
type DeviceTokenSourceConfig struct {
	BaseURL     string
	DeviceKey   string
	HTTPClient  *http.Client
	RefreshSkew time.Duration
	Logger      *zap.Logger
	Clock       func() time.Time
}

// DeviceTokenSource exchanges a device key for short-lived access tokens and
// caches the result until it nears expiry.
type DeviceTokenSource struct {
	baseURL     string
	deviceKey   string
	httpClient  *http.Client
	refreshSkew time.Duration
	logger      *zap.Logger
	clock       func() time.Time

	mu        sync.RWMutex
	token     string
	userID    string
	expiresAt time.Time
}

type deviceAuthRequest struct {
	DeviceKey string `json:"device_key"`
}

type deviceAuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	UserID      string `json:"user_id"`
}

// NewDeviceTokenSource constructs a token source with validated configuration.
func NewDeviceTokenSource(cfg DeviceTokenSourceConfig) (*DeviceTokenSource, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingAuthBaseURL
	}
	deviceKey := strings.TrimSpace(cfg.DeviceKey)
	if deviceKey == "" {
		return nil, ErrMissingDeviceKey
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultExchangeTimeout}
	}
	refreshSkew := cfg.RefreshSkew
	if refreshSkew <= 0 {
		refreshSkew = defaultRefreshSkew
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DeviceTokenSource{
		baseURL:     baseURL,
		deviceKey:   deviceKey,
		httpClient:  httpClient,
		refreshSkew: refreshSkew,
		logger:      logger,
		clock:       clock,
	}, nil
}

// AccessToken returns a cached token when still valid and exchanges the
// device key otherwise.
func (s *DeviceTokenSource) AccessToken(ctx context.Context) (string, error) {
	if token, ok := s.cachedToken(); ok {
		return token, nil
	}
	return s.refresh(ctx)
}

// CurrentUserID returns the account id reported by the last successful
// exchange, or an empty string before the first one.
func (s *DeviceTokenSource) CurrentUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// HasReadyAccessToken reports whether a token can be served right now. A
// missing or expired token triggers one exchange attempt; failure is reported
// as not ready rather than as an error.
func (s *DeviceTokenSource) HasReadyAccessToken(ctx context.Context) bool {
	if _, ok := s.cachedToken(); ok {
		return true
	}
	if _, err := s.refresh(ctx); err != nil {
		s.logger.Debug("device token refresh failed", zap.Error(err))
		return false
	}
	return true
}

func (s *DeviceTokenSource) cachedToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", false
	}
	if !s.expiresAt.IsZero() && !s.clock().Before(s.expiresAt) {
		return "", false
	}
	return s.token, true
}

func (s *DeviceTokenSource) refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have refreshed while this one waited for the lock.
	if s.token != "" && (s.expiresAt.IsZero() || s.clock().Before(s.expiresAt)) {
		return s.token, nil
	}

	payload, err := json.Marshal(deviceAuthRequest{DeviceKey: s.deviceKey})
	if err != nil {
		return "", fmt.Errorf("auth: encode exchange request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+pathDeviceAuth, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("auth: device exchange: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: device exchange returned status %d", response.StatusCode)
	}

	var decoded deviceAuthResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("auth: decode exchange response: %w", err)
	}
	if decoded.AccessToken == "" {
		return "", errEmptyAccessToken
	}

	s.token = decoded.AccessToken
	s.userID = decoded.UserID
	if decoded.ExpiresIn > 0 {
		lifetime := time.Duration(decoded.ExpiresIn) * time.Second
		if lifetime > s.refreshSkew {
			lifetime -= s.refreshSkew
		}
		s.expiresAt = s.clock().Add(lifetime)
	} else {
		s.expiresAt = time.Time{}
	}
	return s.token, nil
}

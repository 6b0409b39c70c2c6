package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/somnia/dreams"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second

	pathDreams           = "/api/v1/dreams"
	headerIdempotencyKey = "Idempotency-Key"
)

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	BaseURL       string
	HTTPClient    *http.Client
	TokenProvider TokenProvider
	Logger        *zap.Logger
}

// Client speaks the dream-journal HTTP protocol. Entities travel in their
// canonical JSON document shape inside small envelopes; the idempotency key
// rides the Idempotency-Key header on creates.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	logger     *zap.Logger
}

// NewClient constructs a client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if cfg.TokenProvider == nil {
		return nil, ErrMissingTokenProvider
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     cfg.TokenProvider,
		logger:     logger,
	}, nil
}

// CreateDream submits a locally drafted dream. The server deduplicates on the
// idempotency key, so retrying a create after a crash or an abandoned pass
// returns the already-committed row.
func (c *Client) CreateDream(ctx context.Context, dream dreams.DreamAnalysis, idempotencyKey string) (dreams.DreamAnalysis, error) {
	var response dreamEnvelope
	err := c.do(ctx, http.MethodPost, pathDreams, idempotencyKey, dreamEnvelope{Dream: dream}, &response)
	if err != nil {
		return dreams.DreamAnalysis{}, err
	}
	return response.Dream, nil
}

// UpdateDream rewrites the server row identified by the dream's remote id.
func (c *Client) UpdateDream(ctx context.Context, dream dreams.DreamAnalysis) (dreams.DreamAnalysis, error) {
	if !dream.HasRemoteID() {
		return dreams.DreamAnalysis{}, ErrMissingRemoteID
	}
	var response dreamEnvelope
	path := pathDreams + "/" + strconv.FormatInt(dream.RemoteID, 10)
	err := c.do(ctx, http.MethodPut, path, "", dreamEnvelope{Dream: dream}, &response)
	if err != nil {
		return dreams.DreamAnalysis{}, err
	}
	return response.Dream, nil
}

// DeleteDream removes the server row.
func (c *Client) DeleteDream(ctx context.Context, remoteID int64) error {
	if remoteID <= 0 {
		return ErrMissingRemoteID
	}
	path := pathDreams + "/" + strconv.FormatInt(remoteID, 10)
	return c.do(ctx, http.MethodDelete, path, "", nil, nil)
}

// ListDreams fetches the full authoritative snapshot for the current account.
func (c *Client) ListDreams(ctx context.Context) ([]dreams.DreamAnalysis, error) {
	var response dreamListEnvelope
	if err := c.do(ctx, http.MethodGet, pathDreams, "", nil, &response); err != nil {
		return nil, err
	}
	return response.Dreams, nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, requestBody, responseBody any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("remote: acquire access token: %w", err)
	}

	var bodyReader *bytes.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+token)
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		request.Header.Set(headerIdempotencyKey, idempotencyKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return ErrDreamNotFound
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		var failure errorEnvelope
		_ = json.NewDecoder(response.Body).Decode(&failure)
		c.logger.Debug("remote request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return &StatusError{StatusCode: response.StatusCode, Message: failure.Error}
	}

	if responseBody == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(responseBody); err != nil {
		return fmt.Errorf("remote: decode response: %w", err)
	}
	return nil
}

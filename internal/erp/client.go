package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/opmsync-io/opmsync/internal/config"
)

// Delivery errors. The dispatcher's retry classifier branches on these kinds.
var (
	// ErrTransportFailure indicates the request never produced an accepted
	// response: connection failure, timeout, or a non-2xx status. Transient.
	ErrTransportFailure = errors.New("ERP transport failure")

	// ErrSemanticRejection indicates the endpoint returned 2xx but reported
	// failure in the response body. Retried or not per installation policy.
	ErrSemanticRejection = errors.New("ERP rejected the upsert")
)

const (
	// DefaultUpsertTimeout bounds one upsert round trip.
	DefaultUpsertTimeout = 30 * time.Second

	maxResponseBytes = 1 << 20 // 1 MiB
)

type (
	// ClientConfig holds the upsert client settings, loaded from the process
	// environment.
	ClientConfig struct {
		Credentials Credentials
		Timeout     time.Duration
	}

	// Client signs and posts upsert payloads to the environment-routed ERP
	// endpoint.
	Client struct {
		catalog    *Catalog
		signer     *Signer
		httpClient *http.Client
		logger     *slog.Logger
	}

	// ClientOption configures a Client.
	ClientOption func(*Client)

	// UpsertResponse is the accepted-upsert outcome reported by the ERP.
	UpsertResponse struct {
		// InternalID is the ERP-assigned record id.
		InternalID string

		// Operation is "create" or "update" as reported by the endpoint.
		Operation string

		// Message is the endpoint's optional informational text.
		Message string
	}

	// upsertEnvelope is the loose wire shape of the endpoint's response. The
	// endpoint reports failure inside a 2xx either as success=false or as a
	// truthy error value, so both are modeled.
	upsertEnvelope struct {
		Success    *bool           `json:"success"`
		Error      json.RawMessage `json:"error"`
		InternalID string          `json:"internalId"`
		ID         string          `json:"id"`
		Operation  string          `json:"operation"`
		Message    string          `json:"message"`
	}
)

// LoadClientConfig reads the upsert client configuration from environment
// variables.
func LoadClientConfig() *ClientConfig {
	return &ClientConfig{
		Credentials: Credentials{
			ConsumerKey:    config.GetEnvStr("OPMSYNC_ERP_CONSUMER_KEY", ""),
			ConsumerSecret: config.GetEnvStr("OPMSYNC_ERP_CONSUMER_SECRET", ""),
			TokenID:        config.GetEnvStr("OPMSYNC_ERP_TOKEN_ID", ""),
			TokenSecret:    config.GetEnvStr("OPMSYNC_ERP_TOKEN_SECRET", ""),
			Realm:          config.GetEnvStr("OPMSYNC_ERP_ACCOUNT", ""),
		},
		Timeout: config.GetEnvDuration("OPMSYNC_ERP_TIMEOUT", DefaultUpsertTimeout),
	}
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if err := c.Credentials.Validate(); err != nil {
		return err
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrCredentialsIncomplete)
	}

	return nil
}

// String returns the configuration with secrets masked.
func (c *ClientConfig) String() string {
	return fmt.Sprintf("ClientConfig{ConsumerKey: %s, TokenID: %s, Realm: %s, Timeout: %s}",
		maskSecret(c.Credentials.ConsumerKey),
		maskSecret(c.Credentials.TokenID),
		c.Credentials.Realm,
		c.Timeout,
	)
}

// maskSecret keeps the first four characters of a secret for log
// identification and masks the rest.
func maskSecret(secret string) string {
	const visible = 4

	if len(secret) <= visible {
		return strings.Repeat("*", len(secret))
	}

	return secret[:visible] + strings.Repeat("*", len(secret)-visible)
}

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates an upsert client routing through the given environment
// catalog.
func NewClient(cfg *ClientConfig, catalog *Catalog, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: client config is nil", ErrCredentialsIncomplete)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	signer, err := NewSigner(cfg.Credentials)
	if err != nil {
		return nil, err
	}

	client := &Client{
		catalog: catalog,
		signer:  signer,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With(slog.String("component", "erp_client")),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Upsert posts one payload to the resolved environment's endpoint.
//
// envOverride routes the call to a named catalog entry; empty means the
// configured default. Errors are classified by kind: environment resolution
// and transport problems wrap ErrTransportFailure (transient), an in-band
// rejection wraps ErrSemanticRejection.
func (c *Client) Upsert(ctx context.Context, payload *Payload, envOverride string) (*UpsertResponse, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is nil", ErrTransformationFailed)
	}

	env, err := c.catalog.Resolve(envOverride)
	if err != nil {
		// A misrouted job is not retryable into success, but environment
		// catalogs are reloaded on restart; classify as transport so the
		// bounded retries surface the problem in the job history.
		return nil, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}

	requestURL, err := buildRequestURL(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %w", ErrTransformationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrTransportFailure, err)
	}

	authorization, err := c.signer.Authorization(http.MethodPost, requestURL)
	if err != nil {
		return nil, fmt.Errorf("%w: sign request: %w", ErrTransportFailure, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authorization)

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrTransportFailure, err)
	}

	c.logger.Debug("ERP upsert round trip",
		slog.String("environment", env.Name),
		slog.String("item_id", payload.ItemID),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: HTTP %d from %s environment: %s",
			ErrTransportFailure, resp.StatusCode, env.Name, summarizeBody(raw))
	}

	return parseUpsertResponse(raw, env.Name)
}

// buildRequestURL appends the script/deploy query parameters to the
// environment's endpoint URL.
func buildRequestURL(env Environment) (string, error) {
	parsed, err := url.Parse(env.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRequestURLInvalid, err)
	}

	query := parsed.Query()

	if env.ScriptID != "" {
		query.Set("script", env.ScriptID)
	}

	if env.DeployID != "" {
		query.Set("deploy", env.DeployID)
	}

	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// parseUpsertResponse interprets a 2xx body: an in-band rejection becomes
// ErrSemanticRejection, anything else yields the accepted outcome.
func parseUpsertResponse(raw []byte, envName string) (*UpsertResponse, error) {
	var envelope upsertEnvelope

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: unparseable 2xx body from %s environment: %s",
			ErrSemanticRejection, envName, summarizeBody(raw))
	}

	if envelope.Success != nil && !*envelope.Success {
		return nil, fmt.Errorf("%w: %s", ErrSemanticRejection, rejectionDetail(envelope))
	}

	if truthyError(envelope.Error) {
		return nil, fmt.Errorf("%w: %s", ErrSemanticRejection, rejectionDetail(envelope))
	}

	internalID := envelope.InternalID
	if internalID == "" {
		internalID = envelope.ID
	}

	return &UpsertResponse{
		InternalID: internalID,
		Operation:  strings.ToLower(envelope.Operation),
		Message:    envelope.Message,
	}, nil
}

// truthyError reports whether the envelope's error value carries content.
// The endpoint emits null, "", {} or a populated object.
func truthyError(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))

	switch trimmed {
	case "", "null", `""`, "{}", "[]", "false":
		return false
	default:
		return true
	}
}

// rejectionDetail renders the most specific rejection text available.
func rejectionDetail(envelope upsertEnvelope) string {
	if envelope.Message != "" {
		return envelope.Message
	}

	if truthyError(envelope.Error) {
		return summarizeBody(envelope.Error)
	}

	return "endpoint reported failure without detail"
}

// summarizeBody truncates a response body for error messages and logs.
func summarizeBody(raw []byte) string {
	const limit = 256

	body := strings.TrimSpace(string(raw))
	if body == "" {
		return "(empty body)"
	}

	if len(body) > limit {
		return body[:limit] + "..."
	}

	return body
}

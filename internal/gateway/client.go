// Package gateway talks to an Evolution-API compatible messaging gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/foxzi/campaignd/internal/job"
	"github.com/foxzi/campaignd/internal/target"
)

const (
	// DefaultCheckTimeout bounds connection state requests
	DefaultCheckTimeout = 10 * time.Second
	// DefaultSendTimeout bounds send requests
	DefaultSendTimeout = 30 * time.Second

	typingDelayMS = 1200
	presence      = "composing"
)

// ErrNotConfigured is reported when the gateway config is incomplete
var ErrNotConfigured = errors.New("gateway is not configured")

// Client talks to the messaging gateway HTTP API
type Client struct {
	httpClient   *http.Client
	checkTimeout time.Duration
	sendTimeout  time.Duration
}

// ClientOptions overrides the client timeouts
type ClientOptions struct {
	CheckTimeout time.Duration
	SendTimeout  time.Duration
	HTTPClient   *http.Client
}

// NewClient creates a new gateway client
func NewClient(opts ClientOptions) *Client {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	return &Client{
		httpClient:   opts.HTTPClient,
		checkTimeout: opts.CheckTimeout,
		sendTimeout:  opts.SendTimeout,
	}
}

// request performs a JSON request and returns the status code and decoded body
func (c *Client) request(ctx context.Context, cfg Config, method, path string, body any) (int, map[string]any, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.cleanURL()+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("apikey", cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("timeout: request exceeded the time limit: %w", err)
		}
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	// Best effort: a body that is not a JSON object decodes to an empty map
	result := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		result = map[string]any{}
	}

	return resp.StatusCode, result, nil
}

// CheckConnection reports whether the instance session is live.
// Failures are reported in the status, never returned.
func (c *Client) CheckConnection(ctx context.Context, cfg Config) ConnectionStatus {
	if !cfg.Complete() {
		return ConnectionStatus{Connected: false, Error: ErrNotConfigured.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	code, body, err := c.request(ctx, cfg, http.MethodGet, "/instance/connectionState/"+url.PathEscape(cfg.InstanceName), nil)
	if err != nil {
		return ConnectionStatus{Connected: false, Error: err.Error()}
	}
	if code < 200 || code >= 300 {
		return ConnectionStatus{Connected: false, Error: fmt.Sprintf("HTTP %d", code)}
	}

	state := connectionState(body)
	return ConnectionStatus{
		Connected: state == "open" || state == "connected",
		State:     state,
		Raw:       body,
	}
}

// connectionState reads state, then connection, then instance.state
func connectionState(body map[string]any) string {
	for _, key := range []string{"state", "connection"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	if inst, ok := body["instance"].(map[string]any); ok {
		if s, ok := inst["state"].(string); ok && s != "" {
			return s
		}
	}
	return "disconnected"
}

// Send delivers the job content to one target. A non-2xx answer is not an
// error; only transport failures and timeouts are.
func (c *Client) Send(ctx context.Context, cfg Config, t target.Target, j *job.Job) (*SendResult, error) {
	if !cfg.Complete() {
		return nil, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	path, body := buildSendRequest(cfg, t, j)

	code, respBody, err := c.request(ctx, cfg, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}

	return &SendResult{StatusCode: code, Body: respBody}, nil
}

func buildSendRequest(cfg Config, t target.Target, j *job.Job) (string, any) {
	opts := SendOptions{
		Delay:       typingDelayMS,
		Presence:    presence,
		LinkPreview: j.PreviewLinks(),
	}
	instance := url.PathEscape(cfg.InstanceName)

	if j.IsText() {
		return "/message/sendText/" + instance, &SendTextRequest{
			Number:      t.Number,
			Options:     opts,
			TextMessage: TextMessage{Text: j.Message},
			Text:        j.Message,
		}
	}

	return "/message/sendMedia/" + instance, &SendMediaRequest{
		Number:  t.Number,
		Options: opts,
		MediaMessage: MediaMessage{
			MediaType: j.MediaType,
			Caption:   j.Message,
			Media:     j.MediaBase64,
			FileName:  j.FileName,
		},
		MediaType: j.MediaType,
		Caption:   j.Message,
		Media:     j.MediaBase64,
		FileName:  j.FileName,
	}
}

package gateway

import (
	"fmt"
	"strings"
)

// Config locates the gateway instance used for sending
type Config struct {
	BaseURL      string `json:"baseUrl" yaml:"base_url"`
	APIKey       string `json:"apiKey" yaml:"api_key"`
	InstanceName string `json:"instanceName" yaml:"instance_name"`
}

// Complete reports whether every field needed to call the gateway is set
func (c Config) Complete() bool {
	return c.BaseURL != "" && c.APIKey != "" && c.InstanceName != ""
}

// cleanURL strips a trailing slash from the base URL
func (c Config) cleanURL() string {
	return strings.TrimSuffix(c.BaseURL, "/")
}

// ConnectionStatus is the result of a connectivity check
type ConnectionStatus struct {
	Connected bool           `json:"connected"`
	State     string         `json:"state,omitempty"`
	Error     string         `json:"error,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// Reason returns the error if any, otherwise the reported state
func (s ConnectionStatus) Reason() string {
	if s.Error != "" {
		return s.Error
	}
	return s.State
}

// SendResult is the raw gateway answer to a send request
type SendResult struct {
	StatusCode int
	Body       map[string]any
}

// OK reports a 2xx response
func (r *SendResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrorMessage extracts the best error description from the response body
func (r *SendResult) ErrorMessage() string {
	for _, key := range []string{"message", "error"} {
		if v, ok := r.Body[key]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("HTTP %d", r.StatusCode)
}

// SendOptions is the options block of every send request
type SendOptions struct {
	Delay       int    `json:"delay"`
	Presence    string `json:"presence"`
	LinkPreview bool   `json:"linkPreview"`
}

// TextMessage is the nested text payload
type TextMessage struct {
	Text string `json:"text"`
}

// SendTextRequest is the body of POST /message/sendText/{instance}
type SendTextRequest struct {
	Number      string      `json:"number"`
	Options     SendOptions `json:"options"`
	TextMessage TextMessage `json:"textMessage"`
	Text        string      `json:"text"`
}

// MediaMessage is the nested media payload
type MediaMessage struct {
	MediaType string `json:"mediatype"`
	Caption   string `json:"caption"`
	Media     string `json:"media"`
	FileName  string `json:"fileName"`
}

// SendMediaRequest is the body of POST /message/sendMedia/{instance}.
// Media fields are sent both nested and flat to support both API versions.
type SendMediaRequest struct {
	Number       string       `json:"number"`
	Options      SendOptions  `json:"options"`
	MediaMessage MediaMessage `json:"mediaMessage"`
	MediaType    string       `json:"mediatype"`
	Caption      string       `json:"caption"`
	Media        string       `json:"media"`
	FileName     string       `json:"fileName"`
}

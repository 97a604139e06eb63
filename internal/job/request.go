package job

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRequest is returned when a job request fails validation
var ErrInvalidRequest = errors.New("invalid job request")

var mediaTypes = map[string]bool{
	MediaTypeText: true,
	"image":       true,
	"video":       true,
	"audio":       true,
	"document":    true,
}

// CreateRequest is the payload accepted when creating a job
type CreateRequest struct {
	Targets      []string   `json:"targets"`
	Message      string     `json:"message"`
	MediaType    string     `json:"mediaType"`
	MediaBase64  string     `json:"mediaBase64,omitempty"`
	FileName     string     `json:"fileName,omitempty"`
	LinkPreview  *bool      `json:"linkPreview,omitempty"`
	Delays       *Delays    `json:"delays,omitempty"`
	ScheduleTime *time.Time `json:"scheduleTime,omitempty"`
}

// Validate checks the request. Targets are only checked for presence;
// per-target validation happens when the job runs.
func (r *CreateRequest) Validate() error {
	targets := 0
	for _, t := range r.Targets {
		if strings.TrimSpace(t) != "" {
			targets++
		}
	}
	if targets == 0 {
		return fmt.Errorf("%w: targets are required", ErrInvalidRequest)
	}

	mediaType := r.MediaType
	if mediaType == "" {
		mediaType = MediaTypeText
	}
	if !mediaTypes[mediaType] {
		return fmt.Errorf("%w: unknown mediaType %q", ErrInvalidRequest, r.MediaType)
	}

	if mediaType == MediaTypeText {
		if strings.TrimSpace(r.Message) == "" {
			return fmt.Errorf("%w: message is required", ErrInvalidRequest)
		}
	} else if r.MediaBase64 == "" {
		return fmt.Errorf("%w: mediaBase64 is required for %s", ErrInvalidRequest, mediaType)
	}

	if r.Delays != nil {
		if r.Delays.Min < 0 || r.Delays.Max < 0 {
			return fmt.Errorf("%w: delays must not be negative", ErrInvalidRequest)
		}
		if r.Delays.Min > r.Delays.Max {
			return fmt.Errorf("%w: delays.min must not exceed delays.max", ErrInvalidRequest)
		}
	}

	return nil
}

// Build validates the request and returns a new scheduled job. Delays
// falls back to defaults when the request has none.
func (r *CreateRequest) Build(defaults Delays, now time.Time) (*Job, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	j := &Job{
		ID:          NewID(),
		Targets:     append([]string(nil), r.Targets...),
		Message:     r.Message,
		MediaType:   r.MediaType,
		MediaBase64: r.MediaBase64,
		FileName:    r.FileName,
		Delays:      defaults,
		Status:      StatusScheduled,
		CreatedAt:   now,
	}
	if j.MediaType == "" {
		j.MediaType = MediaTypeText
	}
	if r.LinkPreview != nil {
		v := *r.LinkPreview
		j.LinkPreview = &v
	}
	if r.Delays != nil {
		j.Delays = *r.Delays
	}
	if r.ScheduleTime != nil && r.ScheduleTime.After(now) {
		v := *r.ScheduleTime
		j.ScheduleTime = &v
	}

	return j, nil
}

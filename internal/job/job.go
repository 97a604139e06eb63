// Package job holds the campaign job model and its bbolt store.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a campaign job
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// MediaTypeText marks a plain text campaign; any other media type is sent as media
const MediaTypeText = "text"

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a job may move from one status to another
func CanTransition(from, to Status) bool {
	switch from {
	case StatusScheduled:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Delays bounds the jitter between sends, in seconds
type Delays struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Progress is updated while a job is running
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	Success int `json:"success"`
	Fail    int `json:"fail"`
	Invalid int `json:"invalid,omitempty"`
}

// Results is set once a job completes
type Results struct {
	Success int `json:"success"`
	Fail    int `json:"fail"`
	Total   int `json:"total"`
	Invalid int `json:"invalid,omitempty"`
}

// Job represents one campaign
type Job struct {
	ID           string     `json:"id"`
	Targets      []string   `json:"targets"`
	Message      string     `json:"message"`
	MediaType    string     `json:"mediaType"`
	MediaBase64  string     `json:"mediaBase64,omitempty"`
	FileName     string     `json:"fileName,omitempty"`
	LinkPreview  *bool      `json:"linkPreview,omitempty"`
	Delays       Delays     `json:"delays"`
	ScheduleTime *time.Time `json:"scheduleTime,omitempty"`
	Status       Status     `json:"status"`
	Progress     *Progress  `json:"progress,omitempty"`
	Results      *Results   `json:"results,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// NewID returns a time-ordered job id, so ids sort by creation
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// IsText reports whether the job sends a text message
func (j *Job) IsText() bool {
	return j.MediaType == "" || j.MediaType == MediaTypeText
}

// PreviewLinks returns the link preview option, true when unset
func (j *Job) PreviewLinks() bool {
	return j.LinkPreview == nil || *j.LinkPreview
}

// DueAt returns the time the job should be activated
func (j *Job) DueAt() time.Time {
	if j.ScheduleTime != nil && !j.ScheduleTime.IsZero() {
		return *j.ScheduleTime
	}
	return j.CreatedAt
}

// Due reports whether the job should run at now
func (j *Job) Due(now time.Time) bool {
	return !j.DueAt().After(now)
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	c := *j
	c.Targets = append([]string(nil), j.Targets...)
	if j.LinkPreview != nil {
		v := *j.LinkPreview
		c.LinkPreview = &v
	}
	if j.ScheduleTime != nil {
		v := *j.ScheduleTime
		c.ScheduleTime = &v
	}
	if j.Progress != nil {
		v := *j.Progress
		c.Progress = &v
	}
	if j.Results != nil {
		v := *j.Results
		c.Results = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Stats represents job counts by status
type Stats struct {
	Scheduled int64 `json:"scheduled"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Total     int64 `json:"total"`
}

// ListFilter represents filter options for listing jobs
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

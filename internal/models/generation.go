package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of a Generation.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// StatusAll is the list filter value matching every status.
const StatusAll = "all"

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is defined out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the state machine has an edge s -> to.
//
//	queued      -> in_progress | cancelled | failed
//	in_progress -> completed | failed | cancelled
//
// queued -> failed only happens when a queued record is found orphaned.
func (s Status) CanTransitionTo(to Status) bool {
	for _, from := range Predecessors(to) {
		if from == s {
			return true
		}
	}
	return false
}

// Predecessors lists the statuses from which to may be entered.
func Predecessors(to Status) []Status {
	switch to {
	case StatusInProgress:
		return []Status{StatusQueued}
	case StatusCompleted:
		return []Status{StatusInProgress}
	case StatusFailed, StatusCancelled:
		return []Status{StatusQueued, StatusInProgress}
	}
	return nil
}

// Rank orders statuses along the state machine.
func (s Status) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 2
	}
	return -1
}

// ErrorCode classifies why a generation failed.
type ErrorCode string

const (
	ErrorCodeNone        ErrorCode = ""
	ErrorCodeProvider    ErrorCode = "provider"
	ErrorCodeTimeout     ErrorCode = "timeout"
	ErrorCodeInterrupted ErrorCode = "interrupted"
	ErrorCodeStorage     ErrorCode = "storage"
)

// InputType is the kind of an InputReference.
type InputType string

const (
	InputURL       InputType = "url"
	InputLocalPath InputType = "localPath"
)

// Valid reports whether t is a known input type.
func (t InputType) Valid() bool {
	return t == InputURL || t == InputLocalPath
}

// InputReference is a caller-supplied source image.
type InputReference struct {
	Type            InputType `json:"type"`
	Value           string    `json:"value"`
	PreparedDataURL string    `json:"prepared_data_url,omitempty"`
}

// Sanitize returns a copy suitable for persistence.
func (r InputReference) Sanitize() InputReference {
	r.PreparedDataURL = ""
	return r
}

// Generation is one logical request to produce outputs from a prompt and inputs.
type Generation struct {
	ID             uuid.UUID                           `gorm:"type:uuid;primaryKey" json:"id"`
	ProviderID     string                              `gorm:"type:text;index;not null" json:"provider_id"`
	Slot           string                              `gorm:"type:text;index;not null" json:"slot"`
	Status         Status                              `gorm:"type:text;index;not null" json:"status"`
	Prompt         string                              `gorm:"type:text;not null" json:"prompt"`
	InputSources   datatypes.JSONSlice[InputReference] `gorm:"type:json" json:"input_sources"`
	RequestOptions datatypes.JSONMap                   `gorm:"type:json" json:"request_options"`
	Outputs        []*Output                           `gorm:"foreignKey:GenerationID;constraint:OnDelete:CASCADE" json:"outputs"`
	ErrorCode      ErrorCode                           `gorm:"type:text;not null;default:''" json:"error_code,omitempty"`
	ErrorMessage   string                              `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt      *time.Time                          `json:"started_at,omitempty"`
	CompletedAt    *time.Time                          `json:"completed_at,omitempty"`
	CreatedAt      time.Time                           `gorm:"index;not null" json:"created_at"`
	UpdatedAt      time.Time                           `gorm:"not null" json:"updated_at"`
}

// Generations is a list of Generation records.
type Generations []*Generation

// SortOutputs orders outputs by their index.
func (g *Generation) SortOutputs() {
	sort.SliceStable(g.Outputs, func(i, j int) bool {
		return g.Outputs[i].OutputIndex < g.Outputs[j].OutputIndex
	})
}

// NextOutputIndex returns the index the next appended output receives.
func (g *Generation) NextOutputIndex() int {
	next := 0
	for _, o := range g.Outputs {
		if o.OutputIndex >= next {
			next = o.OutputIndex + 1
		}
	}
	return next
}

// Clone returns a deep copy safe to hand to other goroutines.
func (g *Generation) Clone() *Generation {
	if g == nil {
		return nil
	}

	dst := *g

	if g.InputSources != nil {
		dst.InputSources = append(datatypes.JSONSlice[InputReference](nil), g.InputSources...)
	}

	if g.RequestOptions != nil {
		dst.RequestOptions = make(datatypes.JSONMap, len(g.RequestOptions))
		for k, v := range g.RequestOptions {
			dst.RequestOptions[k] = v
		}
	}

	if g.StartedAt != nil {
		started := *g.StartedAt
		dst.StartedAt = &started
	}

	if g.CompletedAt != nil {
		completed := *g.CompletedAt
		dst.CompletedAt = &completed
	}

	dst.Outputs = CloneOutputs(g.Outputs)

	return &dst
}

// Output is one produced artifact belonging to a Generation.
type Output struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	GenerationID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_output_generation_index" json:"generation_id"`
	OutputIndex  int       `gorm:"not null;uniqueIndex:idx_output_generation_index" json:"output_index"`
	LocalPath    string    `gorm:"type:text" json:"local_path,omitempty"`
	RemoteURL    string    `gorm:"type:text" json:"remote_url,omitempty"`
	MimeType     string    `gorm:"type:text" json:"mime_type,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

// Location returns the authoritative storage location.
func (o *Output) Location() string {
	if o.LocalPath != "" {
		return o.LocalPath
	}
	return o.RemoteURL
}

// CloneOutputs deep-copies an output slice, never returning nil.
func CloneOutputs(src []*Output) []*Output {
	dst := make([]*Output, 0, len(src))
	for _, o := range src {
		if o == nil {
			continue
		}
		copied := *o
		dst = append(dst, &copied)
	}
	return dst
}

// All lists every model managed by migrations.
var All = []any{
	&Generation{},
	&Output{},
}

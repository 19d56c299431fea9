package calls

import (
	"fmt"
	"strings"
	"time"
)

// Call is the canonical record of one phone interaction and its outcome.
//
// Invariants:
// - ID is assigned once by the Registry and never reused.
// - Only the Registry mutates a Call; everyone else reads copies.
// - Terminal calls stay in the durable store indefinitely but are not kept warm.

type Call struct {
	ID          string    `json:"id" db:"id"`
	ClientID    string    `json:"client_id,omitempty" db:"client_id"`
	PhoneNumber string    `json:"phone_number" db:"phone_number"`
	Direction   Direction `json:"direction" db:"direction"`
	Status      Status    `json:"status" db:"status"`

	// DurationSeconds is only meaningful once the call ended.
	DurationSeconds int `json:"duration" db:"duration"`

	RecordingURL string    `json:"recording_url,omitempty" db:"recording_url"`
	Transcript   string    `json:"transcript,omitempty" db:"transcript"`
	Summary      string    `json:"summary,omitempty" db:"summary"`
	Sentiment    Sentiment `json:"sentiment,omitempty" db:"sentiment"`

	// ConfidenceScore is in [0,1] with two decimals; nil until analysis ran.
	ConfidenceScore *float64 `json:"confidence_score,omitempty" db:"confidence_score"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRinging   Status = "ringing"
	StatusAnswered  Status = "answered"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBusy      Status = "busy"
	StatusNoAnswer  Status = "no_answer"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusRinging, StatusAnswered,
		StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is meaningful.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer:
		return true
	}
	return false
}

var allowedTransitions = map[Status][]Status{
	StatusInitiated: {StatusRinging, StatusAnswered, StatusFailed, StatusBusy, StatusNoAnswer},
	StatusRinging:   {StatusAnswered, StatusFailed, StatusBusy, StatusNoAnswer},
	StatusAnswered:  {StatusCompleted},
}

// CanTransition reports whether from -> to is one of the expected lifecycle edges.
// Unlisted edges are still applied by the Registry; this only drives anomaly logging.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

func (d Direction) Valid() bool {
	return d == DirectionIncoming || d == DirectionOutgoing
}

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

// Draft carries the caller-supplied fields of a new Call.
type Draft struct {
	ClientID    string    `json:"client_id,omitempty"`
	PhoneNumber string    `json:"phone_number"`
	Direction   Direction `json:"direction"`
}

func (d Draft) Validate() error {
	if strings.TrimSpace(d.PhoneNumber) == "" {
		return fmt.Errorf("%w: phone_number is required", ErrInvalidInput)
	}
	if !d.Direction.Valid() {
		return fmt.Errorf("%w: direction must be incoming or outgoing", ErrInvalidInput)
	}
	return nil
}

// EndFields are merged into the Call when it is ended.
// Nil pointers leave the stored value untouched.
type EndFields struct {
	// Status must be terminal; anything else ends the call as completed.
	Status Status `json:"status,omitempty"`

	DurationSeconds *int       `json:"duration,omitempty"`
	RecordingURL    *string    `json:"recording_url,omitempty"`
	Transcript      *string    `json:"transcript,omitempty"`
	Summary         *string    `json:"summary,omitempty"`
	Sentiment       *Sentiment `json:"sentiment,omitempty"`
	ConfidenceScore *float64   `json:"confidence_score,omitempty"`

	// Reason is carried on the ended notification only; it is not persisted on the call row.
	Reason string `json:"reason,omitempty"`
}

func (f EndFields) Validate() error {
	if f.DurationSeconds != nil && *f.DurationSeconds < 0 {
		return fmt.Errorf("%w: duration must be >= 0", ErrInvalidInput)
	}
	if f.Sentiment != nil && !f.Sentiment.Valid() {
		return fmt.Errorf("%w: unknown sentiment %q", ErrInvalidInput, *f.Sentiment)
	}
	if f.ConfidenceScore != nil && (*f.ConfidenceScore < 0 || *f.ConfidenceScore > 1) {
		return fmt.Errorf("%w: confidence_score must be within [0,1]", ErrInvalidInput)
	}
	return nil
}

// CallUpdate is the partial row update handed to the Store.
type CallUpdate struct {
	Status          *Status
	DurationSeconds *int
	RecordingURL    *string
	Transcript      *string
	Summary         *string
	Sentiment       *Sentiment
	ConfidenceScore *float64
	UpdatedAt       time.Time
}

// Filter narrows a history query. Zero values are ignored.
type Filter struct {
	Status      Status
	Direction   Direction
	PhoneNumber string
	ClientID    string
	From        time.Time
	To          time.Time
}

type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// roundScore keeps two decimals to match the numeric(3,2) column.
func roundScore(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update matched no rows because
// the record was not in the expected state.
var ErrConflict = errors.New("conflict")

// MessageStatus is the lifecycle state of a search message.
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s MessageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Room struct {
	ID        string
	Title     string
	OwnerID   string
	CreatedAt time.Time
}

type Message struct {
	ID        string
	RoomID    string
	Query     string
	Filters   string          // JSON object stored as text
	Content   json.RawMessage // nil unless Status == StatusCompleted
	Status    MessageStatus
	Error     string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type BudgetRecord struct {
	Identity    string
	Tier        string
	TokensUsed  int64
	WindowStart time.Time
	UpdatedAt   time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// EntityDocument is a source document describing a person, organisation or
// event, queued for embedding into the vector index.
type EntityDocument struct {
	ID         string
	Kind       string
	EntityID   string
	Title      string
	Content    string
	URL        string
	Attributes string // JSON object stored as text
	Overview   bool
	VectorID   string
	CreatedAt  time.Time
}

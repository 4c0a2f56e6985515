package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Datastore is the persistence surface shared by the SQLite and Postgres
// backends. The vector index is not part of it and always lives in SQLite.
type Datastore interface {
	CreateRoom(ctx context.Context, r Room) error
	GetRoom(ctx context.Context, id string) (Room, error)
	SetRoomTitleIfEmpty(ctx context.Context, id, title string) error

	InsertMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	ListRoomMessages(ctx context.Context, roomID string, limit int) ([]Message, error)
	TransitionMessage(ctx context.Context, id string, from, to MessageStatus, content json.RawMessage, errMsg string) error
	ListMessagesByStatus(ctx context.Context, status MessageStatus, before time.Time) ([]Message, error)

	GetBudgetRecord(ctx context.Context, identity string) (BudgetRecord, error)
	DebitBudget(ctx context.Context, identity, tier string, amount int64, now time.Time, window time.Duration) error

	EnqueueJob(ctx context.Context, job Job) (bool, error)
	ClaimNextJob(ctx context.Context, types []string) (*Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error

	SaveEntityDocument(ctx context.Context, d EntityDocument) error
	GetEntityDocument(ctx context.Context, id string) (EntityDocument, error)
	UpdateEntityDocumentVectorID(ctx context.Context, id, vectorID string) error
	DeleteEntityDocument(ctx context.Context, id string) error

	Close() error
}

var _ Datastore = (*Store)(nil)

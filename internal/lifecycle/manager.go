// Package lifecycle drives a search message through
// pending -> processing -> completed | failed and publishes each transition.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/quadsearch/internal/metrics"
	"github.com/kalambet/quadsearch/internal/realtime"
	"github.com/kalambet/quadsearch/internal/storage"
)

var (
	ErrAlreadyInProgress = errors.New("message already in progress")
	ErrAlreadyDone       = errors.New("message already completed")
	ErrAlreadyFailed     = errors.New("message already failed")
	ErrNotFound          = storage.ErrNotFound
)

// Store is the persistence the manager needs.
type Store interface {
	GetMessage(ctx context.Context, id string) (storage.Message, error)
	TransitionMessage(ctx context.Context, id string, from, to storage.MessageStatus, content json.RawMessage, errMsg string) error
}

// RefusedError is returned by Begin when the message is not pending. It
// wraps one of the ErrAlready* sentinels and carries the stored message.
type RefusedError struct {
	Err     error
	Message storage.Message
}

func (e *RefusedError) Error() string { return e.Err.Error() }
func (e *RefusedError) Unwrap() error { return e.Err }

// Manager is the only writer of message status.
type Manager struct {
	store    Store
	notifier realtime.Notifier
	logger   *slog.Logger
}

func NewManager(store Store, notifier realtime.Notifier, logger *slog.Logger) *Manager {
	if notifier == nil {
		notifier = realtime.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, notifier: notifier, logger: logger.With("component", "lifecycle")}
}

// Begin moves id from pending to processing. At most one concurrent caller
// succeeds; the rest get a *RefusedError or ErrNotFound.
func (m *Manager) Begin(ctx context.Context, id string) (storage.Message, error) {
	err := m.store.TransitionMessage(ctx, id, storage.StatusPending, storage.StatusProcessing, nil, "")
	if err == nil {
		metrics.MessageTransitions.WithLabelValues(string(storage.StatusProcessing)).Inc()
		msg, err := m.store.GetMessage(ctx, id)
		if err != nil {
			err = fmt.Errorf("reading message %s: %w", id, err)
			// Claimed but unreadable: do not leave it processing.
			_ = m.Fail(context.WithoutCancel(ctx), id, err)
			return storage.Message{}, err
		}
		return msg, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return storage.Message{}, fmt.Errorf("beginning message %s: %w", id, err)
	}

	msg, err := m.store.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Message{}, ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("reading message %s: %w", id, err)
	}
	metrics.BeginRejections.WithLabelValues(string(msg.Status)).Inc()
	switch msg.Status {
	case storage.StatusCompleted:
		return msg, &RefusedError{Err: ErrAlreadyDone, Message: msg}
	case storage.StatusFailed:
		return msg, &RefusedError{Err: ErrAlreadyFailed, Message: msg}
	default:
		return msg, &RefusedError{Err: ErrAlreadyInProgress, Message: msg}
	}
}

// Complete stores content and marks id completed, then emits "done".
func (m *Manager) Complete(ctx context.Context, id string, content json.RawMessage) error {
	if len(content) == 0 {
		return fmt.Errorf("completing message %s: empty content", id)
	}
	if err := m.store.TransitionMessage(ctx, id, storage.StatusProcessing, storage.StatusCompleted, content, ""); err != nil {
		return fmt.Errorf("completing message %s: %w", id, err)
	}
	metrics.MessageTransitions.WithLabelValues(string(storage.StatusCompleted)).Inc()
	m.publish(ctx, id, realtime.EventDone, map[string]any{
		"id":      id,
		"status":  storage.StatusCompleted,
		"content": content,
	})
	return nil
}

// Fail marks id failed with reason and emits "error". A failed write is
// logged and returned; Process ignores it.
func (m *Manager) Fail(ctx context.Context, id string, reason error) error {
	msg := "unknown error"
	if reason != nil {
		msg = reason.Error()
	}
	if err := m.store.TransitionMessage(ctx, id, storage.StatusProcessing, storage.StatusFailed, nil, msg); err != nil {
		m.logger.Error("failed to persist failed status", "message_id", id, "reason", msg, "error", err)
		return fmt.Errorf("failing message %s: %w", id, err)
	}
	metrics.MessageTransitions.WithLabelValues(string(storage.StatusFailed)).Inc()
	m.publish(ctx, id, realtime.EventError, map[string]any{
		"id":     id,
		"status": storage.StatusFailed,
		"error":  msg,
	})
	return nil
}

// Process runs fn for a message it has just begun, then completes or fails
// the message with fn's outcome. A panic in fn fails the message. The error
// from Begin or fn is returned.
func (m *Manager) Process(ctx context.Context, id string, fn func(ctx context.Context, msg storage.Message) (json.RawMessage, error)) (err error) {
	msg, err := m.Begin(ctx, id)
	if err != nil {
		return err
	}
	m.publish(ctx, id, realtime.EventStatus, map[string]any{"id": id, "status": storage.StatusProcessing})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing message %s panicked: %v", id, r)
			m.logger.Error("panic while processing message", "message_id", id, "panic", r)
			_ = m.Fail(context.WithoutCancel(ctx), id, err)
		}
	}()

	content, err := fn(ctx, msg)
	if err != nil {
		_ = m.Fail(context.WithoutCancel(ctx), id, err)
		return err
	}
	if err := m.Complete(context.WithoutCancel(ctx), id, content); err != nil {
		_ = m.Fail(context.WithoutCancel(ctx), id, err)
		return err
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, id, event string, payload any) {
	if err := m.notifier.Publish(ctx, realtime.MessageChannel(id), event, payload); err != nil {
		m.logger.Warn("publishing message event", "message_id", id, "event", event, "error", err)
	}
}

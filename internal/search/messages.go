package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/quadsearch/internal/budget"
	"github.com/kalambet/quadsearch/internal/lifecycle"
	"github.com/kalambet/quadsearch/internal/metrics"
	"github.com/kalambet/quadsearch/internal/orchestrator"
	"github.com/kalambet/quadsearch/internal/planner"
	"github.com/kalambet/quadsearch/internal/retrieval"
	"github.com/kalambet/quadsearch/internal/storage"
)

const (
	titleMaxLen      = 60
	contextAnswerLen = 600
)

// NewMessage is a validated request to search.
type NewMessage struct {
	RoomID  string
	Query   string
	Filters *retrieval.Filters
}

// Content is the JSON stored on a completed message.
type Content struct {
	Narrative      string            `json:"narrative"`
	CitedMatches   []retrieval.Match `json:"cited_matches"`
	Plan           planner.Plan      `json:"plan"`
	MatchCount     int               `json:"match_count"`
	FailedKinds    map[string]string `json:"failed_kinds,omitempty"`
	TokensConsumed int               `json:"tokens_consumed"`
}

// RunPayload is the search_run job payload.
type RunPayload struct {
	MessageID string      `json:"message_id"`
	Identity  string      `json:"identity"`
	Tier      budget.Tier `json:"tier"`
}

func (s *Service) CreateRoom(ctx context.Context, owner budget.Identity, title string) (storage.Room, error) {
	room := storage.Room{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(title),
		OwnerID:   owner.Key,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateRoom(ctx, room); err != nil {
		return storage.Room{}, fmt.Errorf("creating room: %w", err)
	}
	return room, nil
}

// GetRoom returns a room and its messages, oldest first.
func (s *Service) GetRoom(ctx context.Context, id string) (storage.Room, []storage.Message, error) {
	room, err := s.store.GetRoom(ctx, id)
	if err != nil {
		return storage.Room{}, nil, err
	}
	msgs, err := s.store.ListRoomMessages(ctx, id, roomListLimit)
	if err != nil {
		return storage.Room{}, nil, fmt.Errorf("listing messages of room %s: %w", id, err)
	}
	return room, msgs, nil
}

func (s *Service) GetMessage(ctx context.Context, id string) (storage.Message, error) {
	return s.store.GetMessage(ctx, id)
}

// CreateMessage inserts a pending message, creating a room for it when
// RoomID is empty.
func (s *Service) CreateMessage(ctx context.Context, caller budget.Identity, in NewMessage) (storage.Message, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" || utf8.RuneCountInString(query) > MaxQueryLen {
		return storage.Message{}, fmt.Errorf("%w: query must be 1 to %d characters", ErrInvalid, MaxQueryLen)
	}
	filters := retrieval.AllFilters()
	if in.Filters != nil {
		filters = *in.Filters
	}
	if len(filters.Kinds()) == 0 {
		return storage.Message{}, fmt.Errorf("%w: at least one entity class must be enabled", ErrInvalid)
	}
	rawFilters, err := json.Marshal(filters)
	if err != nil {
		return storage.Message{}, err
	}

	roomID := in.RoomID
	if roomID == "" {
		room, err := s.CreateRoom(ctx, caller, "")
		if err != nil {
			return storage.Message{}, err
		}
		roomID = room.ID
	} else if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return storage.Message{}, fmt.Errorf("loading room %s: %w", roomID, err)
	}

	now := s.now().UTC()
	msg := storage.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Query:     query,
		Filters:   string(rawFilters),
		Status:    storage.StatusPending,
		CreatedBy: caller.Key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return storage.Message{}, fmt.Errorf("inserting message: %w", err)
	}
	return msg, nil
}

// Trigger schedules a run of message id charged to caller. It is safe to
// call repeatedly: a message that is no longer pending is returned as is,
// and a run already queued is not queued twice. A caller without budget
// gets a *budget.ExceededError and the message stays pending.
func (s *Service) Trigger(ctx context.Context, id string, caller budget.Identity) (storage.Message, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return storage.Message{}, err
	}
	if msg.Status != storage.StatusPending {
		return msg, nil
	}
	if _, err := s.gate.Precheck(ctx, caller); err != nil {
		return msg, err
	}

	payload, err := json.Marshal(RunPayload{MessageID: id, Identity: caller.Key, Tier: caller.Tier})
	if err != nil {
		return msg, err
	}
	queued, err := s.store.EnqueueJob(ctx, storage.Job{
		ID:          "run:" + id,
		Type:        JobSearchRun,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	})
	if err != nil {
		return msg, fmt.Errorf("enqueueing run for %s: %w", id, err)
	}
	if !queued {
		s.logger.Debug("run already queued", "message_id", id)
	}
	return msg, nil
}

// Run executes the search pipeline for a pending message and returns the
// message as stored afterwards. A message that is not pending yields a
// *lifecycle.RefusedError.
func (s *Service) Run(ctx context.Context, id string, caller budget.Identity) (storage.Message, error) {
	start := s.now()
	var roomID, query string
	err := s.lifecycle.Process(ctx, id, func(ctx context.Context, msg storage.Message) (json.RawMessage, error) {
		roomID, query = msg.RoomID, msg.Query
		return s.answer(ctx, msg, caller)
	})

	var refused *lifecycle.RefusedError
	if errors.As(err, &refused) {
		return refused.Message, err
	}
	if errors.Is(err, lifecycle.ErrNotFound) {
		return storage.Message{}, err
	}

	outcome := string(storage.StatusCompleted)
	if err != nil {
		outcome = string(storage.StatusFailed)
		s.logger.Warn("search run failed", "message_id", id, "identity", caller.Key, "error", err)
	} else if title := titleFromQuery(query); title != "" {
		if terr := s.store.SetRoomTitleIfEmpty(context.WithoutCancel(ctx), roomID, title); terr != nil {
			s.logger.Warn("room title backfill failed", "room_id", roomID, "error", terr)
		}
	}
	metrics.OrchestrationDuration.WithLabelValues(outcome).Observe(s.now().Sub(start).Seconds())

	msg, gerr := s.store.GetMessage(context.WithoutCancel(ctx), id)
	if gerr != nil {
		return storage.Message{}, errors.Join(err, gerr)
	}
	return msg, err
}

func (s *Service) answer(ctx context.Context, msg storage.Message, caller budget.Identity) (json.RawMessage, error) {
	filters := retrieval.AllFilters()
	if msg.Filters != "" {
		if err := json.Unmarshal([]byte(msg.Filters), &filters); err != nil {
			return nil, fmt.Errorf("decoding filters: %w", err)
		}
	}

	plan := planner.ForQuery(msg.Query)
	result := s.retriever.Retrieve(ctx, msg.Query, plan, filters)

	conversation, err := s.conversation(ctx, msg)
	if err != nil {
		s.logger.Warn("loading conversation context", "message_id", msg.ID, "error", err)
	}

	matches := result.Matches()
	out, err := s.orchestrator.Run(ctx, s.gate.For(caller), orchestrator.Input{
		Query:   msg.Query,
		Context: conversation,
		Plan:    plan,
		Matches: matches,
	})
	if err != nil {
		return nil, err
	}

	content := Content{
		Narrative:      out.Narrative,
		CitedMatches:   out.CitedMatches,
		Plan:           plan,
		MatchCount:     len(matches),
		TokensConsumed: out.TokensConsumed,
	}
	if len(result.Errors) > 0 {
		content.FailedKinds = make(map[string]string, len(result.Errors))
		for kind, kerr := range result.Errors {
			content.FailedKinds[string(kind)] = kerr.Error()
		}
	}
	return json.Marshal(content)
}

// conversation renders the last few completed messages of msg's room that
// precede it.
func (s *Service) conversation(ctx context.Context, msg storage.Message) (string, error) {
	history, err := s.store.ListRoomMessages(ctx, msg.RoomID, historyScan)
	if err != nil {
		return "", err
	}
	var turns []string
	for _, h := range history {
		if h.ID == msg.ID {
			break
		}
		if h.Status != storage.StatusCompleted || h.Content == nil {
			continue
		}
		var c Content
		if err := json.Unmarshal(h.Content, &c); err != nil {
			continue
		}
		turns = append(turns, "Q: "+h.Query+"\nA: "+truncate(c.Narrative, contextAnswerLen))
	}
	if len(turns) > contextMessages {
		turns = turns[len(turns)-contextMessages:]
	}
	return strings.Join(turns, "\n\n"), nil
}

// HandleRunJob runs the search_run job payload. A message that was already
// taken by another run is not an error.
func (s *Service) HandleRunJob(ctx context.Context, job *storage.Job) error {
	var p RunPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	caller := budget.Identity{Key: p.Identity, Tier: p.Tier}
	if caller.Tier == "" {
		caller = budget.IdentityFromKey(p.Identity)
	}
	_, err := s.Run(ctx, p.MessageID, caller)
	var refused *lifecycle.RefusedError
	if errors.As(err, &refused) {
		s.logger.Info("skipping run", "message_id", p.MessageID, "reason", refused.Err)
		return nil
	}
	return err
}

func titleFromQuery(query string) string {
	query = strings.Join(strings.Fields(query), " ")
	if utf8.RuneCountInString(query) <= titleMaxLen {
		return query
	}
	runes := []rune(query)[:titleMaxLen]
	cut := string(runes)
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:-") + "…"
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

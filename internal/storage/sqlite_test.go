package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRoom(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.CreateRoom(context.Background(), Room{ID: id, OwnerID: "user:owner"}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
}

func seedMessage(t *testing.T, s *Store, roomID, id string) {
	t.Helper()
	if err := s.InsertMessage(context.Background(), Message{ID: id, RoomID: roomID, Query: "robotics clubs", CreatedBy: "user:owner"}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_messages_room_created",
		"idx_messages_status_updated",
		"idx_jobs_status_run_after",
		"idx_entity_documents_entity",
		"idx_entity_vectors_partition",
		"idx_entity_vectors_entity_id",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestRoomTitleBackfill(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "room-1")

	if err := s.SetRoomTitleIfEmpty(ctx, "room-1", "first"); err != nil {
		t.Fatalf("SetRoomTitleIfEmpty: %v", err)
	}
	if err := s.SetRoomTitleIfEmpty(ctx, "room-1", "second"); err != nil {
		t.Fatalf("SetRoomTitleIfEmpty: %v", err)
	}

	r, err := s.GetRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if r.Title != "first" {
		t.Errorf("Title = %q, want %q", r.Title, "first")
	}
}

func TestGetRoomNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRoom(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertMessage_Pending(t *testing.T) {
	s := openTestStore(t)
	seedRoom(t, s, "room-1")
	seedMessage(t, s, "room-1", "msg-1")

	m, err := s.GetMessage(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.Status != StatusPending {
		t.Errorf("Status = %q, want pending", m.Status)
	}
	if m.Content != nil {
		t.Errorf("Content = %s, want nil", m.Content)
	}
	if m.Filters != "{}" {
		t.Errorf("Filters = %q, want {}", m.Filters)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetMessage(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionMessage_Conditional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "room-1")
	seedMessage(t, s, "room-1", "msg-1")

	if err := s.TransitionMessage(ctx, "msg-1", StatusPending, StatusProcessing, nil, ""); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if err := s.TransitionMessage(ctx, "msg-1", StatusPending, StatusProcessing, nil, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("second transition err = %v, want ErrConflict", err)
	}
	if err := s.TransitionMessage(ctx, "missing", StatusPending, StatusProcessing, nil, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("missing message err = %v, want ErrConflict", err)
	}
}

func TestTransitionMessage_ContentOnlyWhenCompleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "room-1")
	seedMessage(t, s, "room-1", "msg-ok")
	seedMessage(t, s, "room-1", "msg-bad")

	content := json.RawMessage(`{"answer":"The Robotics Club meets on Fridays."}`)

	for _, id := range []string{"msg-ok", "msg-bad"} {
		if err := s.TransitionMessage(ctx, id, StatusPending, StatusProcessing, nil, ""); err != nil {
			t.Fatalf("begin %s: %v", id, err)
		}
	}
	if err := s.TransitionMessage(ctx, "msg-ok", StatusProcessing, StatusCompleted, content, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.TransitionMessage(ctx, "msg-bad", StatusProcessing, StatusFailed, content, "model unavailable"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	ok, err := s.GetMessage(ctx, "msg-ok")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if ok.Status != StatusCompleted || string(ok.Content) != string(content) {
		t.Errorf("completed message = %q %s", ok.Status, ok.Content)
	}

	bad, err := s.GetMessage(ctx, "msg-bad")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if bad.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", bad.Status)
	}
	if bad.Content != nil {
		t.Errorf("failed message has content %s", bad.Content)
	}
	if bad.Error != "model unavailable" {
		t.Errorf("Error = %q", bad.Error)
	}
}

func TestListRoomMessages_Order(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "room-1")
	seedRoom(t, s, "room-2")

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		m := Message{ID: fmt.Sprintf("msg-%d", i), RoomID: "room-1", Query: "q", CreatedBy: "ip:1.2.3.4", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}
	seedMessage(t, s, "room-2", "other")

	got, err := s.ListRoomMessages(ctx, "room-1", 10)
	if err != nil {
		t.Fatalf("ListRoomMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, m := range got {
		if want := fmt.Sprintf("msg-%d", i); m.ID != want {
			t.Errorf("got[%d].ID = %q, want %q", i, m.ID, want)
		}
	}
}

func TestListMessagesByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "room-1")
	seedMessage(t, s, "room-1", "stuck")
	seedMessage(t, s, "room-1", "idle")

	if err := s.TransitionMessage(ctx, "stuck", StatusPending, StatusProcessing, nil, ""); err != nil {
		t.Fatalf("TransitionMessage: %v", err)
	}

	got, err := s.ListMessagesByStatus(ctx, StatusProcessing, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ListMessagesByStatus: %v", err)
	}
	if len(got) != 1 || got[0].ID != "stuck" {
		t.Errorf("got %+v, want only stuck", got)
	}

	got, err = s.ListMessagesByStatus(ctx, StatusProcessing, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListMessagesByStatus: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d messages older than an hour, want 0", len(got))
	}
}

func TestDebitBudget_CreatesAndIncrements(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.GetBudgetRecord(ctx, "ip:10.0.0.1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := s.DebitBudget(ctx, "ip:10.0.0.1", "anonymous", 120, now, 24*time.Hour); err != nil {
		t.Fatalf("DebitBudget: %v", err)
	}
	if err := s.DebitBudget(ctx, "ip:10.0.0.1", "anonymous", 80, now.Add(time.Minute), 24*time.Hour); err != nil {
		t.Fatalf("DebitBudget: %v", err)
	}

	r, err := s.GetBudgetRecord(ctx, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("GetBudgetRecord: %v", err)
	}
	if r.TokensUsed != 200 {
		t.Errorf("TokensUsed = %d, want 200", r.TokensUsed)
	}
	if !r.WindowStart.Equal(now.UTC().Truncate(time.Microsecond)) {
		t.Errorf("WindowStart = %v, want %v", r.WindowStart, now)
	}
}

func TestDebitBudget_ResetsExpiredWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-48 * time.Hour)
	later := start.Add(25 * time.Hour)

	if err := s.DebitBudget(ctx, "user:42", "verified", 5000, start, 24*time.Hour); err != nil {
		t.Fatalf("DebitBudget: %v", err)
	}
	if err := s.DebitBudget(ctx, "user:42", "verified", 30, later, 24*time.Hour); err != nil {
		t.Fatalf("DebitBudget: %v", err)
	}

	r, err := s.GetBudgetRecord(ctx, "user:42")
	if err != nil {
		t.Fatalf("GetBudgetRecord: %v", err)
	}
	if r.TokensUsed != 30 {
		t.Errorf("TokensUsed = %d, want 30", r.TokensUsed)
	}
	if !r.WindowStart.Equal(later.UTC().Truncate(time.Microsecond)) {
		t.Errorf("WindowStart = %v, want %v", r.WindowStart, later)
	}
}

func TestDebitBudget_ConcurrentDebitsSum(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.DebitBudget(ctx, "device:abc", "anonymous", 10, now, 24*time.Hour); err != nil {
				t.Errorf("DebitBudget: %v", err)
			}
		}()
	}
	wg.Wait()

	r, err := s.GetBudgetRecord(ctx, "device:abc")
	if err != nil {
		t.Fatalf("GetBudgetRecord: %v", err)
	}
	if r.TokensUsed != 250 {
		t.Errorf("TokensUsed = %d, want 250", r.TokensUsed)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	queued, err := s.EnqueueJob(ctx, Job{ID: "run:msg-1", Type: "search_run", PayloadJSON: `{"message_id":"msg-1"}`, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if !queued {
		t.Error("queued = false, want true")
	}

	got, err := s.ClaimNextJob(ctx, []string{"search_run"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "run:msg-1" || got.Status != "running" || got.MaxAttempts != 1 {
		t.Errorf("claimed job = %+v", got)
	}

	again, err := s.ClaimNextJob(ctx, []string{"search_run"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("claimed running job twice: %+v", again)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob(context.Background(), []string{"search_run"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "j-future", Type: "index_document", PayloadJSON: `{}`, RunAfter: time.Now().Add(time.Hour)}
	if _, err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"index_document"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if _, err := s.EnqueueJob(ctx, Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"b"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.Type != "b" {
		t.Errorf("claimed %+v, want type b", got)
	}
}

func TestEnqueueJob_DuplicateWhileActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := Job{ID: "run:msg-1", Type: "search_run", PayloadJSON: `{}`, MaxAttempts: 1}

	if _, err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	queued, err := s.EnqueueJob(ctx, job)
	if err != nil {
		t.Fatalf("EnqueueJob duplicate: %v", err)
	}
	if queued {
		t.Error("duplicate pending job was queued again")
	}

	if _, err := s.ClaimNextJob(ctx, []string{"search_run"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	queued, err = s.EnqueueJob(ctx, job)
	if err != nil {
		t.Fatalf("EnqueueJob while running: %v", err)
	}
	if queued {
		t.Error("running job was queued again")
	}
}

func TestEnqueueJob_RearmsFinished(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := Job{ID: "run:msg-1", Type: "search_run", PayloadJSON: `{}`, MaxAttempts: 1}

	if _, err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"search_run"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	queued, err := s.EnqueueJob(ctx, job)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if !queued {
		t.Error("finished job was not re-armed")
	}
	got, err := s.ClaimNextJob(ctx, []string{"search_run"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.Attempts != 0 {
		t.Errorf("re-armed job = %+v", got)
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, Job{ID: "j-1", Type: "search_run", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"search_run"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob(ctx, "j-1", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	if err := s.db.QueryRow(`SELECT status, last_error FROM jobs WHERE id = ?`, "j-1").Scan(&status, &lastError); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "failed" || lastError != "boom" {
		t.Errorf("status = %q, last_error = %q", status, lastError)
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, Job{ID: "j-1", Type: "index_document", PayloadJSON: `{}`, MaxAttempts: 3}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"index_document"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	before := time.Now()
	if err := s.FailJob(ctx, "j-1", "embedding timeout"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, runAfter string
	if err := s.db.QueryRow(`SELECT status, run_after FROM jobs WHERE id = ?`, "j-1").Scan(&status, &runAfter); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "pending" {
		t.Errorf("status = %q, want pending", status)
	}
	ra, err := parseTime(runAfter)
	if err != nil {
		t.Fatalf("parseTime: %v", err)
	}
	if ra.Before(before.Add(Backoff(1) - time.Second)) {
		t.Errorf("run_after = %v, want at least %v after %v", ra, Backoff(1), before)
	}
}

func TestFailJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.FailJob(context.Background(), "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEntityDocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := EntityDocument{
		ID:        "doc-1",
		Kind:      "organisations",
		EntityID:  "org-robotics",
		Title:     "Robotics Club",
		Content:   "Builds competition robots. Meets Fridays.",
		URL:       "https://example.edu/robotics",
		Overview:  true,
		CreatedAt: time.Now(),
	}
	if err := s.SaveEntityDocument(ctx, doc); err != nil {
		t.Fatalf("SaveEntityDocument: %v", err)
	}
	if err := s.UpdateEntityDocumentVectorID(ctx, "doc-1", "vec-1"); err != nil {
		t.Fatalf("UpdateEntityDocumentVectorID: %v", err)
	}

	got, err := s.GetEntityDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetEntityDocument: %v", err)
	}
	if got.EntityID != doc.EntityID || !got.Overview || got.VectorID != "vec-1" || got.Attributes != "{}" {
		t.Errorf("got %+v", got)
	}

	if err := s.DeleteEntityDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("DeleteEntityDocument: %v", err)
	}
	if _, err := s.GetEntityDocument(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

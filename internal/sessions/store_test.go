package sessions

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/hermes/internal/logging"
	"github.com/haasonsaas/hermes/pkg/models"
)

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time { return f.t }

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append(opts, WithLogger(logging.Discard()))
	st, err := Open(filepath.Join(t.TempDir(), "sessions.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func mustCreate(t *testing.T, st *Store, sess *models.Session) {
	t.Helper()
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session %s: %v", sess.ID, err)
	}
}

func mustAppend(t *testing.T, st *Store, msg *models.Message) int64 {
	t.Helper()
	id, err := st.AppendMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	return id
}

func TestCreateAndGetSession(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	in := &models.Session{
		ID:           "sess-1",
		Source:       models.SourceTelegram,
		UserID:       "user-42",
		Model:        "anthropic/claude-sonnet-4",
		ModelConfig:  json.RawMessage(`{"temperature":0.3}`),
		SystemPrompt: "You are terse.",
	}
	mustCreate(t, st, in)
	if in.StartedAt.IsZero() {
		t.Fatal("CreateSession did not stamp StartedAt")
	}

	got, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Source != models.SourceTelegram || got.UserID != "user-42" {
		t.Errorf("source/user = %q/%q", got.Source, got.UserID)
	}
	if got.Model != in.Model || got.SystemPrompt != in.SystemPrompt {
		t.Errorf("model/prompt round-trip mismatch: %+v", got)
	}
	if string(got.ModelConfig) != `{"temperature":0.3}` {
		t.Errorf("model config = %s", got.ModelConfig)
	}
	if !got.Active() {
		t.Error("fresh session should be active")
	}
	if got.MessageCount != 0 || got.ToolCallCount != 0 {
		t.Errorf("fresh counters = %d/%d", got.MessageCount, got.ToolCallCount)
	}

	if _, err := st.GetSession(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing session error = %v, want ErrNotFound", err)
	}
}

func TestCreateSessionParentLink(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	mustCreate(t, st, &models.Session{ID: "parent", Source: models.SourceCLI})
	mustCreate(t, st, &models.Session{ID: "child", Source: models.SourceCLI, ParentSessionID: "parent"})

	// An unknown parent violates the foreign key.
	err := st.CreateSession(ctx, &models.Session{ID: "orphan", Source: models.SourceCLI, ParentSessionID: "ghost"})
	if err == nil {
		t.Fatal("expected foreign key error for unknown parent")
	}

	// Deleting the parent clears the link but keeps the child.
	if _, err := st.DeleteSession(ctx, "parent"); err != nil {
		t.Fatalf("delete parent: %v", err)
	}
	child, err := st.GetSession(ctx, "child")
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.ParentSessionID != "" {
		t.Errorf("child parent link = %q, want cleared", child.ParentSessionID)
	}
}

func TestEndSession(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreate(t, st, &models.Session{ID: "s1", Source: models.SourceCLI})

	if err := st.EndSession(ctx, "s1", models.EndReasonReset); err != nil {
		t.Fatalf("end session: %v", err)
	}
	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Active() || got.EndReason != models.EndReasonReset {
		t.Errorf("ended=%v reason=%q", !got.Active(), got.EndReason)
	}

	// Ending again keeps the original reason.
	if err := st.EndSession(ctx, "s1", models.EndReasonShutdown); err != nil {
		t.Fatalf("re-end session: %v", err)
	}
	got, _ = st.GetSession(ctx, "s1")
	if got.EndReason != models.EndReasonReset {
		t.Errorf("reason overwritten to %q", got.EndReason)
	}

	if err := st.EndSession(ctx, "missing", models.EndReasonReset); !errors.Is(err, ErrNotFound) {
		t.Errorf("end missing session error = %v, want ErrNotFound", err)
	}
}

func TestAppendMessageCounters(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreate(t, st, &models.Session{ID: "s1", Source: models.SourceCLI})

	id1 := mustAppend(t, st, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "hello"})
	id2 := mustAppend(t, st, &models.Message{
		SessionID: "s1",
		Role:      models.RoleAssistant,
		Content:   "on it",
		ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "terminal", Arguments: `{"command":"ls"}`},
			{ID: "call_2", Name: "read_file", Arguments: `{"path":"go.mod"}`},
		},
	})
	if id2 <= id1 {
		t.Errorf("ids not ascending: %d then %d", id1, id2)
	}
	mustAppend(t, st, &models.Message{SessionID: "s1", Role: models.RoleTool, Content: "go.mod", ToolCallID: "call_2", ToolName: "read_file"})

	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.MessageCount != 3 {
		t.Errorf("message_count = %d, want 3", got.MessageCount)
	}
	if got.ToolCallCount != 2 {
		t.Errorf("tool_call_count = %d, want 2", got.ToolCallCount)
	}

	if _, err := st.AppendMessage(ctx, &models.Message{Role: models.RoleUser, Content: "no session"}); err == nil {
		t.Error("append without session id should fail")
	}
	if _, err := st.AppendMessage(ctx, &models.Message{SessionID: "ghost", Role: models.RoleUser, Content: "x"}); err == nil {
		t.Error("append to unknown session should fail the foreign key")
	}
}

func TestMirrorMessagesSkipCountersAndSearch(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreate(t, st, &models.Session{ID: "s1", Source: models.SourceCLI})

	mustAppend(t, st, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "zanzibar is the word", Mirror: true})

	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.MessageCount != 0 || got.ToolCallCount != 0 {
		t.Errorf("mirror bumped counters: %d/%d", got.MessageCount, got.ToolCallCount)
	}

	hits, err := st.SearchMessages(ctx, SearchOptions{Query: "zanzibar"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("mirror message surfaced in search: %d hits", len(hits))
	}

	// The copy is still part of the stored transcript.
	msgs, err := st.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Mirror {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestGetMessagesOrderAndRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreate(t, st, &models.Session{ID: "s1", Source: models.SourceCLI})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reasoning := json.RawMessage(`{"id":"rs_1","signature":"sig==","blocks":[{"type":"text","text":"chain"}]}`)

	later := &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "second", Timestamp: base.Add(time.Minute)}
	first := &models.Message{
		SessionID:        "s1",
		Role:             models.RoleAssistant,
		Content:          "first",
		Timestamp:        base,
		TokenCount:       17,
		FinishReason:     models.FinishToolCalls,
		ToolCalls:        []models.ToolCall{{ID: "c1", Name: "terminal", Arguments: `{"command":"uptime"}`}},
		ReasoningDetails: reasoning,
		CodexReasoningItems: []models.ReasoningItem{
			{Type: "reasoning", ID: "rs_1", EncryptedContent: "opaque-bytes", Summary: []string{"checked uptime"}},
		},
	}
	mustAppend(t, st, later)
	mustAppend(t, st, first)

	msgs, err := st.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("order = %q, %q; want timestamp order", msgs[0].Content, msgs[1].Content)
	}

	got := msgs[0]
	if got.TokenCount != 17 || got.FinishReason != models.FinishToolCalls {
		t.Errorf("token/finish = %d/%q", got.TokenCount, got.FinishReason)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Arguments != `{"command":"uptime"}` {
		t.Errorf("tool calls = %+v", got.ToolCalls)
	}
	if string(got.ReasoningDetails) != string(reasoning) {
		t.Errorf("reasoning details not byte-identical:\n got %s\nwant %s", got.ReasoningDetails, reasoning)
	}
	if len(got.CodexReasoningItems) != 1 || got.CodexReasoningItems[0].EncryptedContent != "opaque-bytes" {
		t.Errorf("reasoning items = %+v", got.CodexReasoningItems)
	}
	if !got.Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, base)
	}

	if empty, err := st.GetMessages(ctx, "no-such"); err != nil || len(empty) != 0 {
		t.Errorf("unknown session messages = %v, %v", empty, err)
	}
}

func TestRewriteTranscript(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreate(t, st, &models.Session{ID: "s1", Source: models.SourceCLI})

	mustAppend(t, st, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "keep the aardvark"})
	mustAppend(t, st, &models.Message{
		SessionID: "s1", Role: models.RoleAssistant, Content: "dropping the pangolin",
		ToolCalls: []models.ToolCall{{ID: "c1", Name: "terminal", Arguments: `{}`}},
	})
	mustAppend(t, st, &models.Message{SessionID: "s1", Role: models.RoleTool, Content: "drop me too", ToolCallID: "c1"})

	kept, err := st.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if err := st.RewriteTranscript(ctx, "s1", kept[:1]); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	msgs, err := st.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("get messages after rewrite: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "keep the aardvark" {
		t.Fatalf("transcript after rewrite = %+v", msgs)
	}

	sess, _ := st.GetSession(ctx, "s1")
	if sess.MessageCount != 1 || sess.ToolCallCount != 0 {
		t.Errorf("counters after rewrite = %d/%d, want 1/0", sess.MessageCount, sess.ToolCallCount)
	}

	// The dropped rows must be gone from the full-text index too.
	if hits, _ := st.SearchMessages(ctx, SearchOptions{Query: "pangolin"}); len(hits) != 0 {
		t.Errorf("stale index rows after rewrite: %d hits", len(hits))
	}
	if hits, _ := st.SearchMessages(ctx, SearchOptions{Query: "aardvark"}); len(hits) != 1 {
		t.Errorf("kept message lost from index: %d hits", len(hits))
	}
}

func TestClearMessages(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreate(t, st, &models.Session{ID: "s1", Source: models.SourceCLI})
	mustAppend(t, st, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "wombat sighting"})

	if err := st.ClearMessages(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if msgs, _ := st.GetMessages(ctx, "s1"); len(msgs) != 0 {
		t.Errorf("messages after clear = %d", len(msgs))
	}
	sess, _ := st.GetSession(ctx, "s1")
	if sess.MessageCount != 0 {
		t.Errorf("message_count after clear = %d", sess.MessageCount)
	}
	if hits, _ := st.SearchMessages(ctx, SearchOptions{Query: "wombat"}); len(hits) != 0 {
		t.Errorf("index rows survived clear: %d", len(hits))
	}
}

func TestDeleteSession(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreate(t, st, &models.Session{ID: "s1", Source: models.SourceCLI})
	mustAppend(t, st, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "quokka photos"})

	ok, err := st.DeleteSession(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("delete = %v, %v; want true, nil", ok, err)
	}
	ok, err = st.DeleteSession(ctx, "s1")
	if err != nil || ok {
		t.Fatalf("second delete = %v, %v; want false, nil", ok, err)
	}
	if _, err := st.GetSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("session still readable after delete: %v", err)
	}
	if hits, _ := st.SearchMessages(ctx, SearchOptions{Query: "quokka"}); len(hits) != 0 {
		t.Errorf("index rows survived delete: %d", len(hits))
	}
}

func TestPruneSessionsEndedOnly(t *testing.T) {
	clock := &fakeNow{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	st := testStore(t, withClock(clock.now))
	ctx := context.Background()

	mustCreate(t, st, &models.Session{ID: "old-ended", Source: models.SourceCLI})
	mustCreate(t, st, &models.Session{ID: "old-ended-telegram", Source: models.SourceTelegram})
	mustCreate(t, st, &models.Session{ID: "old-active", Source: models.SourceCLI})
	if err := st.EndSession(ctx, "old-ended", models.EndReasonReset); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := st.EndSession(ctx, "old-ended-telegram", models.EndReasonReset); err != nil {
		t.Fatalf("end: %v", err)
	}

	clock.t = clock.t.AddDate(0, 0, 20)
	mustCreate(t, st, &models.Session{ID: "new-ended", Source: models.SourceCLI})
	if err := st.EndSession(ctx, "new-ended", models.EndReasonReset); err != nil {
		t.Fatalf("end: %v", err)
	}

	// Source-filtered prune only touches matching sessions.
	n, err := st.PruneSessions(ctx, 7, models.SourceTelegram)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("telegram prune removed %d, want 1", n)
	}

	n, err = st.PruneSessions(ctx, 7, "")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("prune removed %d, want 1", n)
	}
	if _, err := st.GetSession(ctx, "old-ended"); !errors.Is(err, ErrNotFound) {
		t.Error("old ended session survived prune")
	}
	if _, err := st.GetSession(ctx, "old-active"); err != nil {
		t.Error("active session was pruned")
	}
	if _, err := st.GetSession(ctx, "new-ended"); err != nil {
		t.Error("recently ended session was pruned")
	}
}

func TestAddUsageAccumulates(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreate(t, st, &models.Session{ID: "s1", Source: models.SourceCLI})

	if err := st.AddUsage(ctx, "s1", 100, 40); err != nil {
		t.Fatalf("add usage: %v", err)
	}
	if err := st.AddUsage(ctx, "s1", 25, 5); err != nil {
		t.Fatalf("add usage: %v", err)
	}
	sess, _ := st.GetSession(ctx, "s1")
	if sess.InputTokens != 125 || sess.OutputTokens != 45 {
		t.Errorf("usage = %d/%d, want 125/45", sess.InputTokens, sess.OutputTokens)
	}
}

func TestCountActive(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreate(t, st, &models.Session{ID: "a", Source: models.SourceCLI})
	mustCreate(t, st, &models.Session{ID: "b", Source: models.SourceCLI})
	if err := st.EndSession(ctx, "b", models.EndReasonReset); err != nil {
		t.Fatalf("end: %v", err)
	}
	n, err := st.CountActive(ctx)
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if n != 1 {
		t.Errorf("active = %d, want 1", n)
	}
}

func TestSearchSessionsFilters(t *testing.T) {
	clock := &fakeNow{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	st := testStore(t, withClock(clock.now))
	ctx := context.Background()

	for _, id := range []string{"cli-1", "cli-2", "tg-1"} {
		src := models.SourceCLI
		if strings.HasPrefix(id, "tg") {
			src = models.SourceTelegram
		}
		clock.t = clock.t.Add(time.Hour)
		mustCreate(t, st, &models.Session{ID: id, Source: src})
	}
	if err := st.EndSession(ctx, "cli-1", models.EndReasonReset); err != nil {
		t.Fatalf("end: %v", err)
	}

	all, err := st.SearchSessions(ctx, SessionFilter{})
	if err != nil {
		t.Fatalf("search sessions: %v", err)
	}
	if len(all) != 3 || all[0].ID != "tg-1" {
		t.Fatalf("all = %+v, want 3 newest-first", ids(all))
	}

	cli, _ := st.SearchSessions(ctx, SessionFilter{Source: models.SourceCLI})
	if len(cli) != 2 {
		t.Errorf("cli filter = %v", ids(cli))
	}
	active, _ := st.SearchSessions(ctx, SessionFilter{ActiveOnly: true})
	if len(active) != 2 {
		t.Errorf("active filter = %v", ids(active))
	}
	page, _ := st.SearchSessions(ctx, SessionFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "cli-2" {
		t.Errorf("page = %v, want [cli-2]", ids(page))
	}
}

func ids(sessions []*models.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}

func TestExportSessionAndAll(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	mustCreate(t, st, &models.Session{ID: "s1", Source: models.SourceCLI})
	mustCreate(t, st, &models.Session{ID: "s2", Source: models.SourceTelegram})
	mustAppend(t, st, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "hi"})
	mustAppend(t, st, &models.Message{SessionID: "s1", Role: models.RoleAssistant, Content: "hello"})

	exp, err := st.ExportSession(ctx, "s1")
	if err != nil {
		t.Fatalf("export session: %v", err)
	}
	if exp.Session.ID != "s1" || len(exp.Messages) != 2 {
		t.Errorf("export = %s with %d messages", exp.Session.ID, len(exp.Messages))
	}

	allExp, err := st.ExportAll(ctx, "")
	if err != nil {
		t.Fatalf("export all: %v", err)
	}
	if len(allExp) != 2 {
		t.Errorf("export all = %d sessions, want 2", len(allExp))
	}
	tg, err := st.ExportAll(ctx, models.SourceTelegram)
	if err != nil {
		t.Fatalf("export telegram: %v", err)
	}
	if len(tg) != 1 || tg[0].Session.ID != "s2" {
		t.Errorf("telegram export = %+v", tg)
	}
}

func TestTranscriptFiles(t *testing.T) {
	dir := t.TempDir()
	st := testStore(t, WithTranscriptDir(dir))
	ctx := context.Background()
	mustCreate(t, st, &models.Session{ID: "s1", Source: models.SourceCLI})

	mustAppend(t, st, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "one"})
	mustAppend(t, st, &models.Message{SessionID: "s1", Role: models.RoleAssistant, Content: "two"})

	lines := readTranscript(t, filepath.Join(dir, "s1.jsonl"))
	if len(lines) != 2 || lines[0].Content != "one" || lines[1].Content != "two" {
		t.Fatalf("transcript lines = %+v", lines)
	}

	msgs, _ := st.GetMessages(ctx, "s1")
	if err := st.RewriteTranscript(ctx, "s1", msgs[1:]); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	lines = readTranscript(t, filepath.Join(dir, "s1.jsonl"))
	if len(lines) != 1 || lines[0].Content != "two" {
		t.Fatalf("transcript after rewrite = %+v", lines)
	}

	if _, err := st.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s1.jsonl")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("transcript file survived delete: %v", err)
	}
}

func readTranscript(t *testing.T, path string) []models.Message {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	defer f.Close()
	var out []models.Message
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m models.Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("decode transcript line: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	st, err := Open(path, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustCreate(t, st, &models.Session{ID: "s1", Source: models.SourceCLI})
	mustAppend(t, st, &models.Message{SessionID: "s1", Role: models.RoleUser, Content: "persist me"})
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(path, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	msgs, err := st2.GetMessages(context.Background(), "s1")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("messages after reopen = %v, %v", msgs, err)
	}
	if hits, _ := st2.SearchMessages(context.Background(), SearchOptions{Query: "persist"}); len(hits) != 1 {
		t.Errorf("index lost across reopen: %d hits", len(hits))
	}
}

func TestOpenRefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	st, err := Open(path, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.Close()

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("raw open: %v", err)
	}
	if _, err := raw.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	raw.Close()

	if _, err := Open(path, WithLogger(logging.Discard())); err == nil || !strings.Contains(err.Error(), "newer") {
		t.Fatalf("open with future schema = %v, want version error", err)
	}
}

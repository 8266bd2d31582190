package sessions

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/hermes/pkg/models"
)

func seedConversation(t *testing.T, st *Store, sessionID string, source models.Source, contents ...string) {
	t.Helper()
	mustCreate(t, st, &models.Session{ID: sessionID, Source: source})
	role := models.RoleUser
	for _, c := range contents {
		mustAppend(t, st, &models.Message{SessionID: sessionID, Role: role, Content: c})
		if role == models.RoleUser {
			role = models.RoleAssistant
		} else {
			role = models.RoleUser
		}
	}
}

func TestSearchMessagesSnippetAndContext(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	seedConversation(t, st, "s1", models.SourceCLI,
		"can you check the deploy",
		"the gateway timeout went away after the deploy finished",
		"great, thanks",
	)

	hits, err := st.SearchMessages(ctx, SearchOptions{Query: "gateway timeout"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	hit := hits[0]
	if !strings.Contains(hit.Snippet, ">>>gateway<<<") || !strings.Contains(hit.Snippet, ">>>timeout<<<") {
		t.Errorf("snippet missing match markers: %q", hit.Snippet)
	}
	if hit.SessionID != "s1" || hit.Role != models.RoleAssistant {
		t.Errorf("hit metadata = %s/%s", hit.SessionID, hit.Role)
	}
	if hit.Before == nil || hit.Before.Content != "can you check the deploy" {
		t.Errorf("before context = %+v", hit.Before)
	}
	if hit.After == nil || hit.After.Content != "great, thanks" {
		t.Errorf("after context = %+v", hit.After)
	}
}

func TestSearchMessagesContextBoundaries(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	seedConversation(t, st, "s1", models.SourceCLI, "solitary heliotrope message")

	hits, err := st.SearchMessages(ctx, SearchOptions{Query: "heliotrope"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Before != nil || hits[0].After != nil {
		t.Errorf("boundary context should be nil, got before=%+v after=%+v", hits[0].Before, hits[0].After)
	}
}

func TestSearchMessagesFilters(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	seedConversation(t, st, "cli", models.SourceCLI, "falcon on the terminal", "falcon acknowledged")
	seedConversation(t, st, "tg", models.SourceTelegram, "falcon in the chat")

	all, err := st.SearchMessages(ctx, SearchOptions{Query: "falcon"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d hits, want 3", len(all))
	}

	tg, _ := st.SearchMessages(ctx, SearchOptions{Query: "falcon", Source: models.SourceTelegram})
	if len(tg) != 1 || tg[0].SessionID != "tg" {
		t.Errorf("source filter = %+v", tg)
	}

	assistant, _ := st.SearchMessages(ctx, SearchOptions{Query: "falcon", Role: models.RoleAssistant})
	if len(assistant) != 1 || assistant[0].Role != models.RoleAssistant {
		t.Errorf("role filter = %+v", assistant)
	}

	page1, _ := st.SearchMessages(ctx, SearchOptions{Query: "falcon", Limit: 2})
	page2, _ := st.SearchMessages(ctx, SearchOptions{Query: "falcon", Limit: 2, Offset: 2})
	if len(page1) != 2 || len(page2) != 1 {
		t.Errorf("pagination = %d + %d, want 2 + 1", len(page1), len(page2))
	}
}

func TestSearchMessagesHostileQuery(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	seedConversation(t, st, "s1", models.SourceCLI, "mixed parens and quotes here")

	// Metacharacters must be neutralized, not handed to the MATCH parser.
	hits, err := st.SearchMessages(ctx, SearchOptions{Query: `"quotes" AND (parens*`})
	if err != nil {
		t.Fatalf("hostile query errored: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("got %d hits, want 1", len(hits))
	}

	if hits, err := st.SearchMessages(ctx, SearchOptions{Query: "   "}); err != nil || hits != nil {
		t.Errorf("blank query = %v, %v; want nil, nil", hits, err)
	}
}

func TestFTSQueryQuoting(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello", `"hello"`},
		{"two words", `"two" "words"`},
		{`say "hi"`, `"say" """hi"""`},
		{"  padded \t terms  ", `"padded" "terms"`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ftsQuery(tt.in); got != tt.want {
			t.Errorf("ftsQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClip(t *testing.T) {
	if got := clip("short", 10); got != "short" {
		t.Errorf("clip passthrough = %q", got)
	}
	if got := clip("exactly10!", 10); got != "exactly10!" {
		t.Errorf("clip at boundary = %q", got)
	}
	long := strings.Repeat("a", 300)
	if got := clip(long, 240); len(got) != 240+len("…") || !strings.HasSuffix(got, "…") {
		t.Errorf("clip long = %d bytes", len(got))
	}
	// Never cut through a multibyte rune.
	if got := clip(strings.Repeat("é", 10), 5); got != "éé…" {
		t.Errorf("clip multibyte = %q", got)
	}
}

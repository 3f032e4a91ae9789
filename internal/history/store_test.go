package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, maxMessages int) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"), maxMessages)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndLoad(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	err := store.Append(ctx, "u1", "t1",
		Message{Role: "user", Content: "create the issue"},
		Message{Role: "assistant", Content: "done, issue #12"},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	msgs, err := store.Load(ctx, "u1", "t1", 10)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("order = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "done, issue #12" {
		t.Errorf("content = %q", msgs[1].Content)
	}
}

func TestLoadUnknownConversation(t *testing.T) {
	store := newTestStore(t, 10)

	msgs, err := store.Load(context.Background(), "nobody", "nothing", 10)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("len = %d, want 0", len(msgs))
	}
}

func TestConversationsAreIsolated(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	if err := store.Append(ctx, "u1", "t1", Message{Role: "user", Content: "alpha"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, "u1", "t2", Message{Role: "user", Content: "beta"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, "u2", "t1", Message{Role: "user", Content: "gamma"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := store.Load(ctx, "u1", "t1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "alpha" {
		t.Errorf("u1/t1 = %+v", msgs)
	}
}

func TestPruneKeepsMostRecent(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		err := store.Append(ctx, "u1", "t1", Message{
			Role:      "user",
			Content:   fmt.Sprintf("msg-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := store.Load(ctx, "u1", "t1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[0].Content != "msg-2" || msgs[2].Content != "msg-4" {
		t.Errorf("kept %q .. %q, want msg-2 .. msg-4", msgs[0].Content, msgs[2].Content)
	}
}

func TestLoadLimit(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		err := store.Append(ctx, "u1", "t1", Message{
			Role:      "user",
			Content:   fmt.Sprintf("msg-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := store.Load(ctx, "u1", "t1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	// Limit keeps the most recent messages, still in chronological order.
	if msgs[0].Content != "msg-4" || msgs[1].Content != "msg-5" {
		t.Errorf("got %q, %q", msgs[0].Content, msgs[1].Content)
	}
}

package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/llmrelay/internal/history"
)

func entry(id string, msgs ...string) Entry {
	e := Entry{InstanceID: id, Scope: "llm", SessionID: "s1", Model: "m", MaxMessages: 10, MaxTokens: 100,
		CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	for _, m := range msgs {
		e.Messages = append(e.Messages, history.Message{Role: history.RoleUser, Content: m})
	}
	return e
}

func TestStore_CommitLatest_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_history.db")
	s := NewStore(path, nil)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	_, ok, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Commit(ctx, []Entry{entry("s1_a", "one")})
	require.NoError(t, err)
	second, err := s.Commit(ctx, []Entry{entry("s1_a", "one", "two"), entry("s1_b")})
	require.NoError(t, err)

	// a fresh store reads what the first one wrote
	reopened := NewStore(path, nil)
	t.Cleanup(func() { reopened.Close() })

	latest, ok, err := reopened.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, latest.ID)
	require.Len(t, latest.Entries, 2)
	assert.Equal(t, "two", latest.Entries[0].Messages[1].Content)
	assert.True(t, latest.Entries[0].CreatedAt.Equal(entry("x").CreatedAt))

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	conv := latest.Conversations()
	assert.Len(t, conv["s1_a"], 2)
	assert.Empty(t, conv["s1_b"])
}

func TestStore_MemoryFallback(t *testing.T) {
	s := NewStore("", nil)
	ctx := context.Background()

	_, err := s.Commit(ctx, []Entry{entry("s1_a", "hi")})
	require.NoError(t, err)

	latest, ok, err := s.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi", latest.Entries[0].Messages[0].Content)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

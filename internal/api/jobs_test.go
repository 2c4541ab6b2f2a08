package api

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/docuwise/rag"
)

func TestQueueProcessesJobs(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	process := func(ctx context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		seen[id] = true
		if id == "bad" {
			return errors.New("boom")
		}
		return nil
	}
	q := NewQueue(2, 8, process, rag.NewLoggerWithWriter(io.Discard, rag.LogLevelOff))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	for _, id := range []string{"a", "bad", "b"} {
		require.NoError(t, q.Submit(id))
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1, 1, func(ctx context.Context, id string) error { return nil }, rag.NewLoggerWithWriter(io.Discard, rag.LogLevelOff))
	require.NoError(t, q.Submit("first"))
	assert.ErrorIs(t, q.Submit("second"), ErrQueueFull)
}

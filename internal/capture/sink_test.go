package capture

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForFile(t *testing.T, dir string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) > 0 {
			return entries[0].Name()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no capture file appeared under %s", dir)
	return ""
}

func TestFileSink_WritesSanitizedRecord(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sink := NewFileSink(ctx, root, nil)
	now := time.Now()
	sink.Record(context.Background(), Record{
		At:             now,
		Method:         "POST",
		Path:           "/v1/chat/completions",
		RequestHeaders: map[string][]string{"Authorization": {"Bearer secret"}, "X-Trace": {"abc"}},
		ResponseStatus: 200,
	})

	dayDir := filepath.Join(root, now.Format("2006-01-02"))
	name := waitForFile(t, dayDir)

	raw, err := os.ReadFile(filepath.Join(dayDir, name))
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.NotContains(t, rec.RequestHeaders, "Authorization")
	assert.Contains(t, rec.RequestHeaders, "X-Trace")
	assert.NotEmpty(t, rec.ID)
}

func TestFileSink_RescuePrefix(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sink := NewFileSink(ctx, root, nil)
	now := time.Now()
	sink.Record(context.Background(), Record{
		At:             now,
		Method:         "POST",
		Path:           "/v1/chat/completions",
		RescueUpstream: "synthetic",
		ResponseStatus: 200,
	})

	dayDir := filepath.Join(root, now.Format("2006-01-02"))
	name := waitForFile(t, dayDir)
	assert.Contains(t, name, "[SYNTHETIC]")
}

func TestFileSink_DropsOnFullQueueWithoutBlocking(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	// A canceled context means the drain goroutine exits immediately, so
	// every enqueued record past the channel's buffer is dropped rather
	// than written — proving Record never blocks the caller.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := NewFileSink(ctx, root, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < queueDepth+10; i++ {
			sink.Record(context.Background(), Record{Method: "POST", Path: "/x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked instead of dropping once the queue filled")
	}
}

func TestFileName_SanitizesUnsafePathCharacters(t *testing.T) {
	t.Parallel()
	rec := Record{At: time.Unix(1000, 0), Method: "POST", Path: "/v1/chat/completions?x=1", ID: "abc"}
	name := fileName(rec)
	assert.NotContains(t, name, "?")
	assert.Contains(t, name, "abc.json")
}

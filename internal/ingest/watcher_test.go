package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
)

func next(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("no file emitted")
		return ""
	}
}

func TestAllowed(t *testing.T) {
	assert.True(t, Allowed("/x/report.PDF", DefaultExtensions))
	assert.True(t, Allowed("scan.jpeg", DefaultExtensions))
	assert.False(t, Allowed("notes.txt", DefaultExtensions))
	assert.False(t, Allowed("noext", DefaultExtensions))
}

func TestWatch(t *testing.T) {
	t.Run("initial scan emits existing files", func(t *testing.T) {
		dir := t.TempDir()
		existing := filepath.Join(dir, "old.png")
		require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("x"), 0o644))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch, err := Watch(ctx, WatchConfig{Dir: dir, InitialScan: true, Debounce: 10 * time.Millisecond, Logger: logging.Nop()})
		require.NoError(t, err)

		assert.Equal(t, existing, next(t, ch))
	})

	t.Run("new files are emitted once per burst", func(t *testing.T) {
		dir := t.TempDir()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch, err := Watch(ctx, WatchConfig{Dir: dir, Debounce: 30 * time.Millisecond, Logger: logging.Nop()})
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))
		path := filepath.Join(dir, "new.pdf")
		require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))
		require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 more"), 0o644))

		assert.Equal(t, path, next(t, ch))
		select {
		case p := <-ch:
			t.Fatalf("unexpected second emit %s", p)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("channel closes on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := Watch(ctx, WatchConfig{Dir: t.TempDir(), Logger: logging.Nop()})
		require.NoError(t, err)
		cancel()
		assert.Eventually(t, func() bool {
			select {
			case _, ok := <-ch:
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := Watch(context.Background(), WatchConfig{Dir: filepath.Join(t.TempDir(), "nope"), Logger: logging.Nop()})
		assert.Error(t, err)
	})
}

package app

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servctl/internal/server"
	"servctl/internal/status"
	"servctl/pkg/logging"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestJournal(t *testing.T) {
	var out lockedBuffer
	logging.InitForCLI(logging.LevelInfo, &out)

	s := server.New(server.Options{
		ID:   "shop",
		Name: "Shop",
		Type: &server.Type{ID: "test", InitialState: server.StateStopped},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		journal(s.ID(), s.Listeners().Watch(ctx, journalBuffer, journalKinds))
		close(done)
	}()

	s.SetServerState(server.StateStarted)
	s.SetServerRestartState(true)
	s.Listeners().Dispatch(server.Event{
		Kind:   server.EventPublishFinished,
		Server: s,
		Status: status.Error("Publish to shop failed", assert.AnError),
	})

	require.Eventually(t, func() bool {
		log := out.String()
		return strings.Contains(log, "Server shop is started") &&
			strings.Contains(log, "Server shop needs a restart") &&
			strings.Contains(log, "Publish to shop finished with error")
	}, 2*time.Second, 10*time.Millisecond, out.String())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("journal did not stop")
	}
	assert.Equal(t, 0, s.Listeners().Len())
}

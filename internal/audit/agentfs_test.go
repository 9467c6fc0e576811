package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]OutcomeEvent
	fail    bool
}

func (m *memStorage) WriteBatch(_ context.Context, events []OutcomeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db is down")
	}
	m.batches = append(m.batches, append([]OutcomeEvent(nil), events...))
	return nil
}

func (m *memStorage) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestAgentFS_FlushesByBatchSize(t *testing.T) {
	repo := &memStorage{}
	fs := NewAgentFS(repo, Options{BatchSize: 3, FlushInterval: time.Hour}, zap.NewNop())
	fs.Start()
	defer fs.Stop()

	for i := 0; i < 3; i++ {
		fs.Log(OutcomeEvent{RequestID: "r", Status: OutcomeForwarded})
	}
	require.Eventually(t, func() bool { return repo.total() == 3 }, time.Second, 5*time.Millisecond)
}

func TestAgentFS_FlushesByTimer(t *testing.T) {
	repo := &memStorage{}
	fs := NewAgentFS(repo, Options{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, zap.NewNop())
	fs.Start()
	defer fs.Stop()

	fs.Log(OutcomeEvent{RequestID: "r"})
	require.Eventually(t, func() bool { return repo.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAgentFS_StopDrains(t *testing.T) {
	repo := &memStorage{}
	fs := NewAgentFS(repo, Options{BatchSize: 100, FlushInterval: time.Hour}, zap.NewNop())
	fs.Start()

	for i := 0; i < 10; i++ {
		fs.Log(OutcomeEvent{RequestID: "r"})
	}
	fs.Stop()
	assert.Equal(t, 10, repo.total())

	// после Stop события отбрасываются, повторный Stop безопасен
	fs.Log(OutcomeEvent{RequestID: "late"})
	fs.Stop()
	assert.Equal(t, 10, repo.total())
}

func TestAgentFS_LogRacingStop(t *testing.T) {
	repo := &memStorage{}
	fs := NewAgentFS(repo, Options{BatchSize: 10, FlushInterval: time.Millisecond}, zap.NewNop())
	fs.Start()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 200; i++ {
				assert.NotPanics(t, func() { fs.Log(OutcomeEvent{RequestID: "r"}) })
			}
		}()
	}
	close(start)
	fs.Stop()
	wg.Wait()

	// все, что успело попасть в буфер до Stop, записано
	assert.LessOrEqual(t, repo.total(), 8*200)
}

func TestAgentFS_OverflowDropsWithoutBlocking(t *testing.T) {
	repo := &memStorage{}
	var fills []int
	fs := NewAgentFS(repo, Options{BufferSize: 2, BatchSize: 100, FlushInterval: time.Hour,
		OnFill: func(n int) { fills = append(fills, n) }}, zap.NewNop())
	// воркер не запущен: буфер никто не читает

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			fs.Log(OutcomeEvent{RequestID: "r"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a full buffer")
	}
	assert.Equal(t, []int{1, 2}, fills)
	assert.Len(t, fs.ch, 2)
}

func TestAgentFS_WriteErrorIsNotFatal(t *testing.T) {
	repo := &memStorage{fail: true}
	fs := NewAgentFS(repo, Options{BatchSize: 1, FlushInterval: time.Hour}, zap.NewNop())
	fs.Start()

	fs.Log(OutcomeEvent{RequestID: "r"})
	fs.Log(OutcomeEvent{RequestID: "r2"})
	fs.Stop()
	assert.Zero(t, repo.total())
}

func TestAgentFS_StampsTimestamp(t *testing.T) {
	repo := &memStorage{}
	fs := NewAgentFS(repo, Options{BatchSize: 1, FlushInterval: time.Hour}, zap.NewNop())
	fs.Start()
	fs.Log(OutcomeEvent{RequestID: "r"})
	fs.Stop()

	require.Len(t, repo.batches, 1)
	assert.False(t, repo.batches[0][0].Timestamp.IsZero())
}

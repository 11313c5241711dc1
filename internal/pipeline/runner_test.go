package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"go.uber.org/zap/zaptest"
)

type processorFunc func(ctx context.Context, email domain.Email) (*Result, error)

func (f processorFunc) Process(ctx context.Context, email domain.Email) (*Result, error) {
	return f(ctx, email)
}

func TestRunnerDrainsQueueOnStop(t *testing.T) {
	var processed atomic.Int64
	var mu sync.Mutex
	seen := make(map[string]bool)

	proc := processorFunc(func(_ context.Context, e domain.Email) (*Result, error) {
		return &Result{EmailID: e.ID}, nil
	})
	r := NewRunner(RunnerConfig{QueueSize: 100, Workers: 3}, proc, nil, zaptest.NewLogger(t),
		WithResultHook(func(res *Result, err error) {
			processed.Add(1)
			mu.Lock()
			seen[res.EmailID] = true
			mu.Unlock()
		}))

	for i := 0; i < 50; i++ {
		require.NoError(t, r.Submit(domain.Email{ID: string(rune('a' + i%26)) + string(rune('0'+i/26))}))
	}
	r.Start(context.Background())
	r.Stop()

	assert.Equal(t, int64(50), processed.Load())
	assert.Len(t, seen, 50)
}

func TestRunnerSheddingAndStopped(t *testing.T) {
	proc := processorFunc(func(context.Context, domain.Email) (*Result, error) { return &Result{}, nil })
	r := NewRunner(RunnerConfig{QueueSize: 1, Workers: 1}, proc, nil, zaptest.NewLogger(t))

	// воркеры не запущены: второе письмо не влезает
	require.NoError(t, r.Submit(domain.Email{ID: "1"}))
	assert.ErrorIs(t, r.Submit(domain.Email{ID: "2"}), ErrQueueFull)

	r.Start(context.Background())
	r.Stop()
	assert.ErrorIs(t, r.Submit(domain.Email{ID: "3"}), ErrRunnerStopped)

	// повторный Stop безопасен
	r.Stop()
}

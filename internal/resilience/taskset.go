package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BoundedTaskSet caps the number of in-flight background tasks. TryAdd
// rejects work above the limit instead of queueing it; DrainAll awaits
// completion on shutdown.
type BoundedTaskSet struct {
	limit  int
	logger *zap.Logger

	mu       sync.Mutex
	active   int
	draining bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewBoundedTaskSet creates a task set with the given concurrency limit.
func NewBoundedTaskSet(limit int, logger *zap.Logger) *BoundedTaskSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BoundedTaskSet{limit: limit, logger: logger, ctx: ctx, cancel: cancel}
}

// TryAdd starts fn in the background, or rejects it when the set is at its
// limit or draining. The task receives a context cancelled when the drain
// gives up waiting.
func (s *BoundedTaskSet) TryAdd(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.draining || s.active >= s.limit {
		s.mu.Unlock()
		return false
	}
	s.active++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			s.wg.Done()
		}()
		fn(s.ctx)
	}()
	return true
}

// Active returns the number of in-flight tasks.
func (s *BoundedTaskSet) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// DrainAll stops admission, waits up to timeout for in-flight tasks, then
// cancels stragglers. It returns the number of tasks that completed during
// the drain.
func (s *BoundedTaskSet) DrainAll(timeout time.Duration) int {
	s.mu.Lock()
	s.draining = true
	pending := s.active
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.cancel()
		return pending
	case <-time.After(timeout):
		s.cancel()
		drained := pending - s.Active()
		s.logger.Warn("task drain timed out",
			zap.Int("drained", drained), zap.Int("pending", pending-drained))
		return drained
	}
}

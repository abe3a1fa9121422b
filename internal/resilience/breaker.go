// Package resilience provides the shared fault-tolerance substrate: a
// three-state circuit breaker with pluggable state storage, distributed
// locks and semaphores with in-process fallbacks, and a bounded background
// task set.
package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"lattice-backend/internal/errors"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Snapshot is the persisted view of one circuit, shared across replicas
// through the state store.
type Snapshot struct {
	State           State
	FailureCount    int
	LastFailureTime time.Time
	HalfOpenCalls   int
}

// StateStore persists circuit snapshots. Load returns nil when the circuit
// has no stored state yet.
type StateStore interface {
	Load(ctx context.Context, name string) (*Snapshot, error)
	Save(ctx context.Context, name string, snap Snapshot) error
}

// BreakerConfig tunes one circuit.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// Jitter widens the recovery timeout by uniform(-Jitter, +Jitter) so
	// replicas do not probe a recovering dependency in lockstep.
	Jitter           float64
	HalfOpenMaxCalls int
	// OnTransition, when set, is called after every state change.
	OnTransition func(name string, to State)
}

// DefaultBreakerConfig matches the service-wide defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		Jitter:           0.2,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker is a three-state circuit breaker. The snapshot is loaded from
// the store on creation and written back on every state-changing event;
// the in-memory copy is a soft view.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	store  StateStore
	logger *zap.Logger

	mu   sync.Mutex
	snap Snapshot
	// recoveryDeadline is this replica's jittered view of when the open
	// circuit may probe again. Deliberately not persisted.
	recoveryDeadline time.Time

	now  func() time.Time
	rand *rand.Rand
}

// NewBreaker creates a breaker, loading any persisted snapshot.
func NewBreaker(name string, cfg BreakerConfig, store StateStore, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		store:  store,
		logger: logger,
		snap:   Snapshot{State: StateClosed},
		now:    time.Now,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if store != nil {
		if snap, err := store.Load(context.Background(), name); err != nil {
			logger.Warn("circuit snapshot load failed, starting closed",
				zap.String("circuit", name), zap.Error(err))
		} else if snap != nil {
			b.snap = *snap
			if snap.State == StateOpen {
				b.recoveryDeadline = snap.LastFailureTime.Add(b.jitteredRecovery())
			}
		}
	}
	return b
}

// Name returns the circuit name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying any pending open-to-half-open
// transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.snap.State
}

// Execute runs fn under the circuit's admission policy.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}
	err := fn()
	b.record(ctx, err)
	return err
}

func (b *Breaker) admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.snap.State {
	case StateOpen:
		retryAfter := b.recoveryDeadline.Sub(b.now())
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return errors.CircuitOpen("CIRCUIT_OPEN", "circuit "+b.name+" is open", retryAfter).Build()
	case StateHalfOpen:
		if b.snap.HalfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return errors.CircuitOpen("CIRCUIT_PROBING", "circuit "+b.name+" is probing recovery", time.Second).Build()
		}
		b.snap.HalfOpenCalls++
		b.persistLocked(ctx)
	}
	return nil
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.snap.State == StateHalfOpen || b.snap.FailureCount > 0 {
			b.transitionLocked(ctx, Snapshot{State: StateClosed})
		}
		return
	}

	b.snap.FailureCount++
	switch b.snap.State {
	case StateHalfOpen:
		b.openLocked(ctx)
	case StateClosed:
		if b.snap.FailureCount >= b.cfg.FailureThreshold {
			b.openLocked(ctx)
		} else {
			b.persistLocked(ctx)
		}
	}
}

func (b *Breaker) openLocked(ctx context.Context) {
	now := b.now()
	b.recoveryDeadline = now.Add(b.jitteredRecovery())
	b.transitionLocked(ctx, Snapshot{
		State:           StateOpen,
		FailureCount:    b.snap.FailureCount,
		LastFailureTime: now,
	})
}

// refreshLocked applies the open-to-half-open transition once the jittered
// recovery window has elapsed.
func (b *Breaker) refreshLocked() {
	if b.snap.State != StateOpen {
		return
	}
	if b.recoveryDeadline.IsZero() {
		b.recoveryDeadline = b.snap.LastFailureTime.Add(b.jitteredRecovery())
	}
	if !b.now().Before(b.recoveryDeadline) {
		b.transitionLocked(context.Background(), Snapshot{
			State:           StateHalfOpen,
			FailureCount:    b.snap.FailureCount,
			LastFailureTime: b.snap.LastFailureTime,
		})
	}
}

func (b *Breaker) transitionLocked(ctx context.Context, next Snapshot) {
	prev := b.snap.State
	b.snap = next
	if prev != next.State {
		b.logger.Info("circuit state changed",
			zap.String("circuit", b.name),
			zap.String("from", string(prev)),
			zap.String("to", string(next.State)))
		if b.cfg.OnTransition != nil {
			b.cfg.OnTransition(b.name, next.State)
		}
	}
	b.persistLocked(ctx)
}

func (b *Breaker) persistLocked(ctx context.Context) {
	if b.store == nil {
		return
	}
	if err := b.store.Save(ctx, b.name, b.snap); err != nil {
		b.logger.Warn("circuit snapshot save failed",
			zap.String("circuit", b.name), zap.Error(err))
	}
}

func (b *Breaker) jitteredRecovery() time.Duration {
	j := b.cfg.Jitter
	if j <= 0 {
		return b.cfg.RecoveryTimeout
	}
	factor := 1 + (b.rand.Float64()*2-1)*j
	return time.Duration(float64(b.cfg.RecoveryTimeout) * factor)
}

package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"lattice-backend/internal/rerank"
)

// DegradedAnswer is returned when every provider has failed. Synthesis
// never surfaces an error to the caller; the sources still stand on their
// own.
const DegradedAnswer = "The answer service is temporarily unavailable. The retrieved sources below are still accurate; please retry shortly for a synthesized summary."

const systemPrompt = `You are an infrastructure topology assistant. Answer strictly from the
provided context describing services, topics, databases, and deployments.
If the context does not contain the answer, say so.`

// SynthesizerConfig bounds the synthesis stages.
type SynthesizerConfig struct {
	// RankTimeout bounds context ranking; on expiry the context is used
	// unranked.
	RankTimeout time.Duration
	// TruncateTimeout bounds context truncation; on expiry the context is
	// sent untruncated.
	TruncateTimeout time.Duration
	// MaxContextChars caps the prompt context after truncation.
	MaxContextChars int
}

// DefaultSynthesizerConfig returns the production budgets.
func DefaultSynthesizerConfig() SynthesizerConfig {
	return SynthesizerConfig{
		RankTimeout:     5 * time.Second,
		TruncateTimeout: 3 * time.Second,
		MaxContextChars: 8000,
	}
}

// Invoker is the chain surface the synthesizer calls: the global-breaker
// wrap satisfies it directly.
type Invoker interface {
	InvokeForTenant(ctx context.Context, tenantID, system, user string) (string, error)
}

// chainInvoker adapts a plain Provider for wiring without a global breaker.
type chainInvoker struct{ p Provider }

func (c chainInvoker) InvokeForTenant(ctx context.Context, _ string, system, user string) (string, error) {
	return c.p.Invoke(ctx, system, user)
}

// AsInvoker lifts a Provider into the tenant-aware surface.
func AsInvoker(p Provider) Invoker { return chainInvoker{p} }

// Synthesizer turns retrieval sources into a natural-language answer:
// guard, rank, truncate, then the provider chain. Ranking and truncation
// degrade on their own timeouts rather than failing the request.
type Synthesizer struct {
	cfg    SynthesizerConfig
	chain  Invoker
	guard  *Guard
	logger *zap.Logger
}

// NewSynthesizer wires the synthesizer. guard may be nil to disable
// scanning.
func NewSynthesizer(cfg SynthesizerConfig, chain Invoker, guard *Guard, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RankTimeout <= 0 {
		cfg.RankTimeout = 5 * time.Second
	}
	if cfg.TruncateTimeout <= 0 {
		cfg.TruncateTimeout = 3 * time.Second
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 8000
	}
	return &Synthesizer{cfg: cfg, chain: chain, guard: guard, logger: logger}
}

// Synthesize produces the answer. A guard hard-block propagates as an
// error; provider exhaustion does not — it yields the degraded sentence.
func (s *Synthesizer) Synthesize(ctx context.Context, tenantID, question string, sources []rerank.Candidate) (string, bool, error) {
	chunks := make([]string, 0, len(sources))
	for _, src := range sources {
		chunks = append(chunks, sourceChunk(src))
	}

	if s.guard != nil {
		cleaned, err := s.guard.Apply(chunks)
		if err != nil {
			return "", false, err
		}
		chunks = cleaned
	}

	ranked := s.rankWithBudget(ctx, question, chunks)
	contextText := s.truncateWithBudget(ctx, ranked)

	user := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, question)
	answer, err := s.chain.InvokeForTenant(ctx, tenantID, systemPrompt, user)
	if err != nil {
		s.logger.Error("synthesis chain exhausted, degrading",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return DegradedAnswer, true, nil
	}
	return answer, false, nil
}

// rankWithBudget orders chunks by BM25 against the question on a side
// goroutine; if the budget lapses the original order is kept.
func (s *Synthesizer) rankWithBudget(ctx context.Context, question string, chunks []string) []string {
	if len(chunks) < 2 {
		return chunks
	}
	done := make(chan []string, 1)
	go func() {
		candidates := make([]rerank.Candidate, len(chunks))
		for i, c := range chunks {
			candidates[i] = rerank.Candidate{ID: fmt.Sprint(i), Text: c}
		}
		ranked := rerank.BM25(question, candidates)
		out := make([]string, len(ranked))
		for i, c := range ranked {
			out[i] = c.Text
		}
		done <- out
	}()

	timer := time.NewTimer(s.cfg.RankTimeout)
	defer timer.Stop()
	select {
	case ranked := <-done:
		return ranked
	case <-timer.C:
	case <-ctx.Done():
	}
	s.logger.Warn("context ranking timed out, using unranked context")
	return chunks
}

// truncateWithBudget joins chunks up to the context cap; past the budget
// the full context goes through untruncated.
func (s *Synthesizer) truncateWithBudget(ctx context.Context, chunks []string) string {
	done := make(chan string, 1)
	go func() {
		var b strings.Builder
		for _, chunk := range chunks {
			if b.Len()+len(chunk)+1 > s.cfg.MaxContextChars {
				break
			}
			b.WriteString(chunk)
			b.WriteByte('\n')
		}
		done <- b.String()
	}()

	timer := time.NewTimer(s.cfg.TruncateTimeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out
	case <-timer.C:
	case <-ctx.Done():
	}
	s.logger.Warn("context truncation timed out, sending untruncated context")
	return strings.Join(chunks, "\n")
}

func sourceChunk(c rerank.Candidate) string {
	kind, _ := c.Metadata["kind"].(string)
	relation, _ := c.Metadata["relation"].(string)
	parts := []string{c.Text}
	if kind != "" {
		parts = append(parts, "("+kind+")")
	}
	if relation != "" {
		parts = append(parts, "via "+relation)
	}
	return strings.Join(parts, " ")
}

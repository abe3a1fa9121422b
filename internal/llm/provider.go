// Package llm synthesizes answers from retrieval results through a chain
// of providers with circuit protection and prompt-injection guardrails.
package llm

import (
	"context"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"lattice-backend/internal/errors"
	"lattice-backend/internal/resilience"
)

// Provider generates a completion from a system and a user message.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, system, user string) (string, error)
}

// LangChainProvider adapts any langchaingo model.
type LangChainProvider struct {
	name  string
	model llms.Model
}

// NewLangChainProvider wraps a model under a provider name.
func NewLangChainProvider(name string, model llms.Model) *LangChainProvider {
	return &LangChainProvider{name: name, model: model}
}

func (p *LangChainProvider) Name() string { return p.name }

func (p *LangChainProvider) Invoke(ctx context.Context, system, user string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}
	resp, err := p.model.GenerateContent(ctx, messages)
	if err != nil {
		return "", errors.LLM("PROVIDER_CALL", "provider call failed").
			WithResource(p.name).WithCause(err).Build()
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", errors.LLM("PROVIDER_EMPTY", "provider returned no content").
			WithResource(p.name).Build()
	}
	return resp.Choices[0].Content, nil
}

// MockProvider is a canned provider for tests and local runs.
type MockProvider struct {
	ProviderName string
	Response     string
	Err          error
	Calls        int
}

func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

func (m *MockProvider) Invoke(_ context.Context, _, _ string) (string, error) {
	m.Calls++
	if m.Err != nil {
		return "", m.Err
	}
	return m.Response, nil
}

// BreakerProvider wraps a provider in a circuit breaker.
type BreakerProvider struct {
	inner   Provider
	breaker *resilience.Breaker
}

// NewBreakerProvider creates the wrap.
func NewBreakerProvider(inner Provider, breaker *resilience.Breaker) *BreakerProvider {
	return &BreakerProvider{inner: inner, breaker: breaker}
}

func (p *BreakerProvider) Name() string { return p.inner.Name() }

func (p *BreakerProvider) Invoke(ctx context.Context, system, user string) (string, error) {
	var out string
	err := p.breaker.Execute(ctx, func() error {
		var err error
		out, err = p.inner.Invoke(ctx, system, user)
		return err
	})
	if err != nil {
		if errors.IsCircuitOpen(err) {
			// An open circuit is a provider failure for chain purposes.
			return "", errors.LLM("PROVIDER_CIRCUIT_OPEN", "provider circuit is open").
				WithResource(p.inner.Name()).WithCause(err).Build()
		}
		return "", err
	}
	return out, nil
}

// FallbackChain tries providers in order. An LLM-kind failure moves to the
// next provider; success short-circuits; any other error is returned as-is.
type FallbackChain struct {
	providers []Provider
	logger    *zap.Logger

	// OnFallback, when set, is called with the name of each provider that
	// failed before the chain moved on.
	OnFallback func(provider string)
}

// NewFallbackChain creates the chain.
func NewFallbackChain(logger *zap.Logger, providers ...Provider) *FallbackChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackChain{providers: providers, logger: logger}
}

func (c *FallbackChain) Name() string { return "fallback-chain" }

func (c *FallbackChain) Invoke(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	for _, p := range c.providers {
		out, err := p.Invoke(ctx, system, user)
		if err == nil {
			return out, nil
		}
		if !errors.IsLLM(err) {
			return "", err
		}
		c.logger.Warn("provider failed, falling back",
			zap.String("provider", p.Name()), zap.Error(err))
		if c.OnFallback != nil {
			c.OnFallback(p.Name())
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.LLM("NO_PROVIDERS", "no providers configured").Build()
	}
	return "", errors.LLM("CHAIN_EXHAUSTED", "all providers failed").WithCause(lastErr).Build()
}

// GlobalBreakerProvider wraps the whole chain in the per-tenant global
// breaker so one tenant's provider meltdown cannot take every tenant down,
// and tenant-level rejections never count as provider failures.
type GlobalBreakerProvider struct {
	inner   Provider
	breaker *resilience.GlobalBreaker
}

// NewGlobalBreakerProvider creates the wrap.
func NewGlobalBreakerProvider(inner Provider, breaker *resilience.GlobalBreaker) *GlobalBreakerProvider {
	return &GlobalBreakerProvider{inner: inner, breaker: breaker}
}

func (p *GlobalBreakerProvider) Name() string { return p.inner.Name() }

// InvokeForTenant runs the chain under the tenant's breaker.
func (p *GlobalBreakerProvider) InvokeForTenant(ctx context.Context, tenantID, system, user string) (string, error) {
	var out string
	err := p.breaker.Execute(ctx, tenantID, func() error {
		var err error
		out, err = p.inner.Invoke(ctx, system, user)
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

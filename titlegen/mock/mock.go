// Package mock provides a scripted TitleGenerator for tests.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ineyio/quotaledger"
)

// Generator is a mock title generator.
type Generator struct {
	title     string
	model     string
	latency   time.Duration
	staticErr error
	callCount atomic.Int64
	titleFunc func(quotaledger.TitleInput) (quotaledger.TitleResult, error)
}

var _ quotaledger.TitleGenerator = (*Generator)(nil)

// Option configures a mock Generator.
type Option func(*Generator)

// New creates a mock generator that answers "Mock Title".
func New(opts ...Option) *Generator {
	g := &Generator{
		title: "Mock Title",
		model: "mock-model",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithTitle sets the title returned. An empty title yields status failed.
func WithTitle(title string) Option {
	return func(g *Generator) { g.title = title }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(g *Generator) { g.latency = d }
}

// WithError makes the generator always return this error.
func WithError(err error) Option {
	return func(g *Generator) { g.staticErr = err }
}

// WithTitleFunc sets a custom response function.
func WithTitleFunc(fn func(quotaledger.TitleInput) (quotaledger.TitleResult, error)) Option {
	return func(g *Generator) { g.titleFunc = fn }
}

func (g *Generator) GenerateTitle(ctx context.Context, in quotaledger.TitleInput) (quotaledger.TitleResult, error) {
	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return quotaledger.TitleResult{}, ctx.Err()
		}
	}

	g.callCount.Add(1)

	if g.staticErr != nil {
		return quotaledger.TitleResult{}, g.staticErr
	}
	if g.titleFunc != nil {
		return g.titleFunc(in)
	}

	status := quotaledger.TitleAuto
	if g.title == "" {
		status = quotaledger.TitleFailed
	}
	return quotaledger.TitleResult{
		Title:         g.title,
		Status:        status,
		Source:        in.Source(),
		Model:         g.model,
		PromptVersion: "mock",
	}, nil
}

// CallCount returns the number of calls made to the generator.
func (g *Generator) CallCount() int64 { return g.callCount.Load() }

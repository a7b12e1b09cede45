package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/speechquota"
)

// Provider is a mock speech provider for testing.
type Provider struct {
	name         string
	latency      time.Duration
	callCount    atomic.Int64
	staticErr    error
	failSecrets  map[string]error
	audio        []byte
	contentType  string
	responseFunc func(speechquota.SynthesisRequest) (speechquota.SynthesisResult, error)

	mu       sync.Mutex
	requests []speechquota.SynthesisRequest
}

var _ speechquota.Synthesizer = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:        "mock",
		audio:       []byte("ID3mock-audio"),
		contentType: "audio/mpeg",
		failSecrets: make(map[string]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithFailForSecret makes calls authenticated with secret return err.
func WithFailForSecret(secret string, err error) Option {
	return func(p *Provider) { p.failSecrets[secret] = err }
}

// WithAudio sets the audio bytes returned on success.
func WithAudio(audio []byte, contentType string) Option {
	return func(p *Provider) {
		p.audio = audio
		p.contentType = contentType
	}
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(speechquota.SynthesisRequest) (speechquota.SynthesisResult, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Synthesize(ctx context.Context, req speechquota.SynthesisRequest) (speechquota.SynthesisResult, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return speechquota.SynthesisResult{}, ctx.Err()
		}
	}

	p.callCount.Add(1)
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.staticErr != nil {
		return speechquota.SynthesisResult{}, p.staticErr
	}

	if err, ok := p.failSecrets[req.Credential.Secret]; ok {
		return speechquota.SynthesisResult{}, err
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return speechquota.SynthesisResult{
		Audio:       p.audio,
		ContentType: p.contentType,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Requests returns a copy of every request received so far.
func (p *Provider) Requests() []speechquota.SynthesisRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]speechquota.SynthesisRequest(nil), p.requests...)
}

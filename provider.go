package speechquota

import (
	"context"
	"unicode/utf8"
)

// Synthesizer is the interface that speech service adapters must implement.
type Synthesizer interface {
	// Name returns the provider identifier (e.g. "azure").
	Name() string

	// Synthesize converts text to audio using the given credential.
	Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error)
}

// Credential holds what a provider needs to authenticate one call.
type Credential struct {
	Secret string `json:"-"`
	Region string `json:"region"`
}

// SynthesisRequest is the request sent to a provider adapter.
type SynthesisRequest struct {
	Text       string
	VoiceID    string
	Format     string // provider-specific output format; empty means provider default
	Credential Credential
}

// SynthesisResult is the response from a provider adapter.
type SynthesisResult struct {
	Audio       []byte
	ContentType string
	Characters  int64 // billed characters; zero means the request's character count
}

// CountCharacters returns the billed size of text, in Unicode code points.
func CountCharacters(text string) int64 {
	return int64(utf8.RuneCountInString(text))
}

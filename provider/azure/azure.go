// Package azure adapts the Azure Cognitive Services text-to-speech REST API.
package azure

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/speechquota"
)

const (
	// DefaultOutputFormat is requested when neither the call nor the provider sets one.
	DefaultOutputFormat = "audio-24khz-48kbitrate-mono-mp3"

	// DefaultVoice is used when the request names no voice.
	DefaultVoice = "en-US-JennyNeural"

	// DefaultMaxAudioBytes caps the audio body read from one response.
	DefaultMaxAudioBytes = 64 << 20
)

// Provider calls the Azure speech endpoint of the credential's region.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
	userAgent  string
	format     string
	voice      string
	maxAudio   int64
}

var _ speechquota.Synthesizer = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithBaseURL sends every request to baseURL instead of the regional endpoint.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(p *Provider) { p.userAgent = ua }
}

// WithOutputFormat sets the default X-Microsoft-OutputFormat.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.format = format }
}

// WithMaxAudioBytes sets the largest audio body accepted. Larger responses fail.
func WithMaxAudioBytes(n int64) Option {
	return func(p *Provider) { p.maxAudio = n }
}

// WithDefaultVoice sets the voice used when a request names none.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// New creates a new Azure speech provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:       "azure",
		httpClient: http.DefaultClient,
		userAgent:  "speechquota",
		format:     DefaultOutputFormat,
		voice:      DefaultVoice,
		maxAudio:   DefaultMaxAudioBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxAudio <= 0 {
		p.maxAudio = DefaultMaxAudioBytes
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// Endpoint returns the synthesis URL for region.
func (p *Provider) Endpoint(region string) string {
	if p.baseURL != "" {
		return p.baseURL + "/cognitiveservices/v1"
	}
	return fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", region)
}

func (p *Provider) Synthesize(ctx context.Context, req speechquota.SynthesisRequest) (speechquota.SynthesisResult, error) {
	if req.Credential.Secret == "" {
		return speechquota.SynthesisResult{}, speechquota.ErrAuthFailed
	}
	if req.Credential.Region == "" && p.baseURL == "" {
		return speechquota.SynthesisResult{}, fmt.Errorf("%w: key has no region", speechquota.ErrAuthFailed)
	}

	voice := req.VoiceID
	if voice == "" {
		voice = p.voice
	}
	format := req.Format
	if format == "" {
		format = p.format
	}

	body, err := BuildSSML(req.Text, voice)
	if err != nil {
		return speechquota.SynthesisResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint(req.Credential.Region), bytes.NewReader(body))
	if err != nil {
		return speechquota.SynthesisResult{}, fmt.Errorf("speechquota: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/ssml+xml")
	httpReq.Header.Set("X-Microsoft-OutputFormat", format)
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", req.Credential.Secret)
	httpReq.Header.Set("User-Agent", p.userAgent)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return speechquota.SynthesisResult{}, ctx.Err()
		}
		return speechquota.SynthesisResult{}, fmt.Errorf("%w: %v", speechquota.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp); err != nil {
		return speechquota.SynthesisResult{}, err
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, p.maxAudio+1))
	if err != nil {
		return speechquota.SynthesisResult{}, fmt.Errorf("%w: read audio: %v", speechquota.ErrProviderUnavailable, err)
	}
	if int64(len(audio)) > p.maxAudio {
		// The same text yields the same audio on any key.
		return speechquota.SynthesisResult{}, fmt.Errorf("%w: audio exceeds %d bytes", speechquota.ErrInvalidRequest, p.maxAudio)
	}
	if len(audio) == 0 {
		return speechquota.SynthesisResult{}, fmt.Errorf("%w: empty audio", speechquota.ErrProviderUnavailable)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = ContentTypeFor(format)
	}
	return speechquota.SynthesisResult{Audio: audio, ContentType: contentType}, nil
}

// BuildSSML wraps plain text in a single-voice SSML document. Text that is
// already an SSML document is sent unchanged.
func BuildSSML(text, voice string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(text), "<speak") {
		return []byte(text), nil
	}

	lang := "en-US"
	if parts := strings.SplitN(voice, "-", 3); len(parts) == 3 {
		lang = parts[0] + "-" + parts[1]
	}

	var buf bytes.Buffer
	buf.WriteString(`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="`)
	if err := xml.EscapeText(&buf, []byte(lang)); err != nil {
		return nil, fmt.Errorf("speechquota: build ssml: %w", err)
	}
	buf.WriteString(`"><voice name="`)
	if err := xml.EscapeText(&buf, []byte(voice)); err != nil {
		return nil, fmt.Errorf("speechquota: build ssml: %w", err)
	}
	buf.WriteString(`">`)
	if err := xml.EscapeText(&buf, []byte(text)); err != nil {
		return nil, fmt.Errorf("speechquota: build ssml: %w", err)
	}
	buf.WriteString(`</voice></speak>`)
	return buf.Bytes(), nil
}

// ContentTypeFor guesses the MIME type of an Azure output format.
func ContentTypeFor(format string) string {
	switch {
	case strings.HasSuffix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "riff-"):
		return "audio/wav"
	case strings.HasPrefix(format, "ogg-"):
		return "audio/ogg"
	case strings.HasPrefix(format, "webm-"):
		return "audio/webm"
	default:
		return "application/octet-stream"
	}
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return speechquota.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return speechquota.ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", speechquota.ErrInvalidRequest, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("%w: status %d", speechquota.ErrProviderUnavailable, resp.StatusCode)
	}
}

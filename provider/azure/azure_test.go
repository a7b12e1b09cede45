package azure_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sq "github.com/ineyio/speechquota"
	"github.com/ineyio/speechquota/provider/azure"
)

func newRequest(text string) sq.SynthesisRequest {
	return sq.SynthesisRequest{
		Text:       text,
		VoiceID:    "de-DE-KatjaNeural",
		Credential: sq.Credential{Secret: "azure-secret", Region: "westeurope"},
	}
}

func TestProvider_Name(t *testing.T) {
	assert.Equal(t, "azure", azure.New().Name())
}

func TestProvider_Endpoint(t *testing.T) {
	p := azure.New()
	assert.Equal(t, "https://westeurope.tts.speech.microsoft.com/cognitiveservices/v1", p.Endpoint("westeurope"))

	p = azure.New(azure.WithBaseURL("http://localhost:9000/"))
	assert.Equal(t, "http://localhost:9000/cognitiveservices/v1", p.Endpoint("ignored"))
}

func TestProvider_Synthesize(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/cognitiveservices/v1", r.URL.Path)
		assert.Equal(t, "azure-secret", r.Header.Get("Ocp-Apim-Subscription-Key"))
		assert.Equal(t, "application/ssml+xml", r.Header.Get("Content-Type"))
		assert.Equal(t, azure.DefaultOutputFormat, r.Header.Get("X-Microsoft-OutputFormat"))
		assert.Equal(t, "speechquota-test", r.Header.Get("User-Agent"))
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3audio"))
	}))
	defer srv.Close()

	p := azure.New(azure.WithBaseURL(srv.URL), azure.WithUserAgent("speechquota-test"))
	res, err := p.Synthesize(context.Background(), newRequest("Guten Tag & willkommen"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3audio"), res.Audio)
	assert.Equal(t, "audio/mpeg", res.ContentType)
	assert.Contains(t, gotBody, `xml:lang="de-DE"`)
	assert.Contains(t, gotBody, `<voice name="de-DE-KatjaNeural">`)
	assert.Contains(t, gotBody, "Guten Tag &amp; willkommen")
}

func TestProvider_RequestFormatOverridesDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "riff-16khz-16bit-mono-pcm", r.Header.Get("X-Microsoft-OutputFormat"))
		w.Header()["Content-Type"] = nil
		w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	req := newRequest("hi")
	req.Format = "riff-16khz-16bit-mono-pcm"
	res, err := azure.New(azure.WithBaseURL(srv.URL)).Synthesize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", res.ContentType)
}

func TestProvider_HTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, sq.ErrAuthFailed},
		{http.StatusForbidden, sq.ErrAuthFailed},
		{http.StatusTooManyRequests, sq.ErrRateLimited},
		{http.StatusBadRequest, sq.ErrInvalidRequest},
		{http.StatusInternalServerError, sq.ErrProviderUnavailable},
		{http.StatusBadGateway, sq.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := azure.New(azure.WithBaseURL(srv.URL)).Synthesize(context.Background(), newRequest("hi"))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProvider_EmptyAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := azure.New(azure.WithBaseURL(srv.URL)).Synthesize(context.Background(), newRequest("hi"))
	assert.ErrorIs(t, err, sq.ErrProviderUnavailable)
}

func TestProvider_OversizedAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-0123456789"))
	}))
	defer srv.Close()

	_, err := azure.New(azure.WithBaseURL(srv.URL), azure.WithMaxAudioBytes(8)).Synthesize(context.Background(), newRequest("hi"))
	assert.ErrorIs(t, err, sq.ErrInvalidRequest)
	assert.ErrorContains(t, err, "exceeds 8 bytes")

	res, err := azure.New(azure.WithBaseURL(srv.URL), azure.WithMaxAudioBytes(14)).Synthesize(context.Background(), newRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-0123456789"), res.Audio)
}

func TestProvider_MissingCredential(t *testing.T) {
	req := newRequest("hi")
	req.Credential.Secret = ""
	_, err := azure.New().Synthesize(context.Background(), req)
	assert.ErrorIs(t, err, sq.ErrAuthFailed)
}

func TestProvider_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := azure.New(azure.WithBaseURL(url)).Synthesize(context.Background(), newRequest("hi"))
	assert.ErrorIs(t, err, sq.ErrProviderUnavailable)
}

func TestBuildSSML_PassesThroughDocuments(t *testing.T) {
	doc := `<speak version="1.0"><voice name="x">hi</voice></speak>`
	out, err := azure.BuildSSML(doc, "en-US-JennyNeural")
	require.NoError(t, err)
	assert.Equal(t, doc, string(out))
}

func TestBuildSSML_EscapesText(t *testing.T) {
	out, err := azure.BuildSSML(`a < b "quoted"`, "en-GB-RyanNeural")
	require.NoError(t, err)
	s := string(out)
	assert.True(t, strings.HasPrefix(s, "<speak"))
	assert.Contains(t, s, `xml:lang="en-GB"`)
	assert.Contains(t, s, "a &lt; b &#34;quoted&#34;")
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "audio/mpeg", azure.ContentTypeFor("audio-24khz-48kbitrate-mono-mp3"))
	assert.Equal(t, "audio/ogg", azure.ContentTypeFor("ogg-24khz-16bit-mono-opus"))
	assert.Equal(t, "audio/webm", azure.ContentTypeFor("webm-24khz-16bit-mono-opus"))
	assert.Equal(t, "application/octet-stream", azure.ContentTypeFor("raw-8khz-8bit-mono-mulaw"))
}

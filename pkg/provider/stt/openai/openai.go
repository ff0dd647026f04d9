// Package openai provides an STT provider backed by the OpenAI audio
// transcription endpoint.
//
// Recordings are uploaded as WAV on Finalize. For the gpt-4o transcribe
// models the provider requests token log-probabilities and derives a
// confidence score from them; whisper-1 reports no confidence.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/tablevoice/pkg/audio"
	"github.com/MrWong99/tablevoice/pkg/provider/stt"
)

// DefaultMinConfidence is the confidence below which a transcript is
// flagged LowConfidence.
const DefaultMinConfidence = 0.35

var (
	_ stt.Provider    = (*Provider)(nil)
	_ stt.Transcriber = (*Provider)(nil)
)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client        oai.Client
	model         string
	language      string
	minConfidence float64
}

type config struct {
	baseURL       string
	timeout       time.Duration
	maxRetries    int
	language      string
	minConfidence float64
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible servers such as a self-hosted faster-whisper.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often the client retries failed requests.
// Defaults to the SDK's default of 2.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithLanguage sets the language used when a session does not specify one.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithMinConfidence sets the LowConfidence threshold.
func WithMinConfidence(v float64) Option {
	return func(c *config) { c.minConfidence = v }
}

// New constructs a new OpenAI STT Provider. model defaults to whisper-1.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}

	cfg := &config{maxRetries: -1, minConfidence: DefaultMinConfidence}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{
		client:        oai.NewClient(reqOpts...),
		model:         model,
		language:      cfg.language,
		minConfidence: cfg.minConfidence,
	}, nil
}

// StartSession opens a buffering session.
func (p *Provider) StartSession(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai: context already cancelled: %w", err)
	}
	if cfg.Language == "" {
		cfg.Language = p.language
	}
	return stt.NewBatchSession(cfg, p), nil
}

// Transcribe uploads req to the transcription endpoint.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(audio.EncodeWAV(req.PCM, req.Format)), "audio.wav", "audio/wav"),
		Model:          oai.AudioModel(p.model),
		ResponseFormat: oai.AudioResponseFormatJSON,
		Temperature:    oai.Float(0),
	}
	if lang := baseLanguage(req.Language); lang != "" {
		params.Language = oai.String(lang)
	}
	if prompt := stt.PromptFromHints(req.Hints); prompt != "" {
		params.Prompt = oai.String(prompt)
	}
	if supportsLogprobs(p.model) {
		params.Include = []oai.TranscriptionInclude{oai.TranscriptionIncludeLogprobs}
	}

	tr, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: transcribe: %w", err)
	}

	res := stt.Result{Text: tr.Text}
	if len(tr.Logprobs) > 0 {
		lps := make([]float64, len(tr.Logprobs))
		for i, lp := range tr.Logprobs {
			lps[i] = lp.Logprob
		}
		res.Confidence = Confidence(lps)
		res.LowConfidence = res.Confidence < p.minConfidence
	}
	return res, nil
}

// Confidence converts token log-probabilities into a [0, 1] score: the
// exponential of their mean.
func Confidence(logprobs []float64) float64 {
	if len(logprobs) == 0 {
		return 0
	}
	var sum float64
	for _, lp := range logprobs {
		sum += lp
	}
	return math.Exp(sum / float64(len(logprobs)))
}

func supportsLogprobs(model string) bool {
	return strings.HasPrefix(model, "gpt-4o")
}

// baseLanguage reduces a BCP-47 tag to the ISO-639-1 code the API expects.
func baseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

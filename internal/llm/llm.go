// Package llm adapts language-model providers to one Generator interface.
// Callers never hold a vendor client directly.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/neurorouter"
	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/metrics"
)

// ErrRateLimited is returned when the provider throttles the caller.
var ErrRateLimited = neurorouter.ErrRateLimited

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Response is the model's text answer.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, req Request) (*Response, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// Provider names.
const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
)

// Config selects and tunes a provider.
type Config struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Region   string        `yaml:"region"`
	Timeout  time.Duration `yaml:"timeout"`
	// RPS caps calls per second; 0 disables limiting.
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`

	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// New builds the configured generator, wrapped with rate limiting and
// instrumentation.
func New(ctx context.Context, cfg Config, log *zap.Logger) (Generator, error) {
	var (
		g   Generator
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOpenAI:
		g, err = NewOpenAI(cfg)
	case ProviderBedrock:
		g, err = NewBedrock(ctx, cfg)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RPS > 0 {
		g = NewLimited(g, cfg.RPS, cfg.Burst)
	}
	provider := cfg.Provider
	if provider == "" {
		provider = ProviderOpenAI
	}
	return Instrument(g, provider, log), nil
}

type instrumented struct {
	next     Generator
	provider string
	log      *zap.Logger
}

// Instrument records call latency and logs failures.
func Instrument(g Generator, provider string, log *zap.Logger) Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &instrumented{next: g, provider: provider, log: log.Named("llm")}
}

func (i *instrumented) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := i.next.Generate(ctx, req)
	elapsed := time.Since(start)
	metrics.GenerationDuration.WithLabelValues(i.provider, metrics.Result(err)).Observe(elapsed.Seconds())
	if err != nil {
		i.log.Warn("generation failed", zap.String("provider", i.provider), zap.Duration("elapsed", elapsed), zap.Error(err))
		return nil, err
	}
	i.log.Debug("generation done",
		zap.String("provider", i.provider),
		zap.String("model", resp.Model),
		zap.Duration("elapsed", elapsed),
		zap.Int("output_tokens", resp.OutputTokens))
	return resp, nil
}

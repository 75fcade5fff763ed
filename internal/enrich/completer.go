package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"mailrelay/internal/apperr"
	"mailrelay/internal/config"
	"mailrelay/pkg/metrics"
)

// Completer answers a single-turn prompt. call names the prompt for metrics.
type Completer interface {
	Complete(ctx context.Context, call, prompt string) (string, error)
}

// ErrEmptyCompletion is returned when the API answers without any choice.
var ErrEmptyCompletion = errors.New("completion returned no choices")

// OpenAICompleter talks to an OpenAI-compatible chat completion API through a
// circuit breaker. Every call is bounded by the configured timeout.
type OpenAICompleter struct {
	client      openai.Client
	model       string
	temperature float64
	timeout     time.Duration
	cb          *gobreaker.CircuitBreaker
	logger      *zap.Logger
}

func NewOpenAICompleter(cfg config.CompletionConfig, logger *zap.Logger, opts ...option.RequestOption) *OpenAICompleter {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	return &OpenAICompleter{
		client:      openai.NewClient(reqOpts...),
		model:       cfg.Model,
		temperature: cfg.SamplingTemperature(),
		timeout:     cfg.Timeout,
		cb:          gobreaker.NewCircuitBreaker(breakerSettings("completion", logger)),
		logger:      logger,
	}
}

func breakerSettings(name string, logger *zap.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only provider-side failures count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !apperr.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, call, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Messages: []openai.ChatCompletionMessageParamUnion{
				{
					OfUser: &openai.ChatCompletionUserMessageParam{
						Content: openai.ChatCompletionUserMessageParamContentUnion{
							OfString: openai.String(prompt),
						},
					},
				},
			},
			Model:       shared.ChatModel(c.model),
			Temperature: openai.Float(c.temperature),
		})
		if err != nil {
			return nil, classify(call, err)
		}
		if len(resp.Choices) == 0 {
			return nil, apperr.Parse("completion "+call, ErrEmptyCompletion)
		}
		return resp.Choices[0].Message.Content, nil
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordCompletionCallLatency(call, status, time.Since(start))

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", apperr.Transient("completion "+call, err)
		}
		return "", err
	}
	return strings.TrimSpace(out.(string)), nil
}

func classify(call string, err error) error {
	op := "completion " + call
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return apperr.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperr.Wrap(op, err)
}

// Package streaming contains the unified streaming service: the single
// entry point that resolves a provider adapter, normalizes messages,
// computes the adaptive timeout and drives one generation request through
// the per-provider circuit breaker.
package streaming

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/streamkit/streamkit/internal/adapter"
	"github.com/streamkit/streamkit/internal/llm"
	"github.com/streamkit/streamkit/internal/modelmeta"
	"github.com/streamkit/streamkit/internal/preprocess"
	"github.com/streamkit/streamkit/internal/resilience"
	"github.com/streamkit/streamkit/internal/streamerr"
)

// Callbacks is the lifecycle surface one stream reports through. Exactly
// one terminal callback fires per request: OnFinish on success, OnError on
// failure or cancellation. OnProgress receives each delta in vendor order.
type Callbacks struct {
	OnProgress func(delta string)
	OnFinish   func(data llm.FinishData)
	OnError    func(err error)
}

// AdapterFactory resolves provider names to adapters.
type AdapterFactory interface {
	Create(name string) (adapter.Adapter, error)
}

// Service orchestrates streaming requests. It is stateless between calls
// except for the shared breaker registry; construct one per process and
// reuse it.
type Service struct {
	factory  AdapterFactory
	breakers *resilience.Registry
	meta     *modelmeta.Store
	aliases  map[string]string
	logger   *log.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBreakerConfig tunes the per-provider circuit breakers.
func WithBreakerConfig(cfg resilience.BreakerConfig) Option {
	return func(s *Service) { s.breakers = resilience.NewRegistry(cfg) }
}

// WithModelMeta supplies optional per-model timing metadata.
func WithModelMeta(meta *modelmeta.Store) Option {
	return func(s *Service) { s.meta = meta }
}

// WithModelAliases installs a model-id alias map applied before dispatch.
func WithModelAliases(aliases map[string]string) Option {
	return func(s *Service) { s.aliases = aliases }
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a streaming service over the given adapter factory.
func NewService(factory AdapterFactory, opts ...Option) *Service {
	s := &Service{
		factory:  factory,
		breakers: resilience.NewRegistry(resilience.BreakerConfig{}),
		logger:   log.New(log.Writer(), "[streaming] ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Stream runs one generation request. Results are delivered entirely
// through cb; the returned error is non-nil only for caller-input problems
// detected before any callback fires (unknown provider, empty messages).
// Streaming failures, timeouts, circuit rejections and cancellation arrive
// via cb.OnError; cb.OnFinish never fires for those requests.
func (s *Service) Stream(ctx context.Context, req llm.StreamRequest, cb Callbacks) error {
	if len(req.Messages) == 0 {
		return streamerr.Newf(streamerr.KindConfiguration, req.Provider, req.ModelID, "no messages provided")
	}

	adp, err := s.factory.Create(req.Provider)
	if err != nil {
		return err
	}

	modelID := req.ModelID
	if alias, ok := s.aliases[modelID]; ok {
		modelID = alias
	}

	caps := adp.Capabilities(modelID)
	timeout := s.computeTimeout(req.Timeout, modelID, caps)

	messages, err := preprocess.Normalize(req.Messages)
	if err != nil {
		return streamerr.New(streamerr.KindConfiguration, req.Provider, modelID, err)
	}

	requestID := uuid.NewString()
	s.logf("stream start request_id=%s provider=%s model=%s user=%s source=%s timeout=%s",
		requestID, req.Provider, modelID, req.UserID, req.Source, timeout)

	cfg := adapter.StreamConfig{
		ModelID:      modelID,
		Messages:     messages,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		MaxTokens:    req.MaxTokens,
		Tools:        req.EnabledTools,
		ResponseMode: req.ResponseMode,
		RequestID:    requestID,
	}

	breaker := s.breakers.Get(req.Provider)
	start := time.Now()
	runErr := breaker.Execute(func() error {
		// Classify before returning so the breaker sees taxonomy kinds
		// when deciding what counts as a provider failure.
		if err := s.run(ctx, timeout, adp, cfg, cb); err != nil {
			return s.classify(err, req.Provider, modelID, requestID)
		}
		return nil
	})
	if runErr != nil {
		classified := s.classify(runErr, req.Provider, modelID, requestID)
		s.logf("stream error request_id=%s kind=%s elapsed=%s err=%v",
			requestID, streamerr.KindOf(classified), time.Since(start), classified)
		if cb.OnError != nil {
			cb.OnError(classified)
		}
		return nil
	}
	s.logf("stream finish request_id=%s elapsed=%s", requestID, time.Since(start))
	return nil
}

// run executes one adapter call under the computed timeout and forwards
// events to the callbacks. Deltas pass through unchanged and in order.
func (s *Service) run(parent context.Context, timeout time.Duration, adp adapter.Adapter, cfg adapter.StreamConfig, cb Callbacks) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ch, err := adp.Stream(ctx, cfg)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// The adapter will observe the same context and wind down; the
			// orchestrator owns the terminal event here.
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return streamerr.Newf(streamerr.KindExternalService, adp.Name(), cfg.ModelID, "stream ended without terminal event")
			}
			switch {
			case ev.IsError():
				return ev.Err
			case ev.IsFinish():
				if cb.OnFinish != nil {
					cb.OnFinish(*ev.Finish)
				}
				return nil
			default:
				if cb.OnProgress != nil {
					cb.OnProgress(ev.Delta)
				}
			}
		}
	}
}

// classify wraps raw context errors into the taxonomy and stamps provider,
// model and request id onto errors that lack them. Error kinds already
// assigned by adapters or the breaker pass through unaltered.
func (s *Service) classify(err error, provider, modelID, requestID string) error {
	var serr *streamerr.Error
	if errors.As(err, &serr) {
		if serr.RequestID == "" {
			serr.RequestID = requestID
		}
		return serr
	}
	kind := streamerr.KindExternalService
	switch {
	case errors.Is(err, context.Canceled):
		kind = streamerr.KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = streamerr.KindTimeout
	}
	return &streamerr.Error{
		Kind:      kind,
		Provider:  provider,
		Model:     modelID,
		RequestID: requestID,
		Err:       err,
	}
}

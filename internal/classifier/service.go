// Package classifier runs face classification requests against a single
// shared inference engine.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-service/internal/engine"
	"github.com/example/face-service/internal/imaging"
	"github.com/example/face-service/internal/labels"
	"github.com/example/face-service/internal/logging"
	"github.com/example/face-service/internal/query"
)

// ErrServiceClosed is returned for requests submitted after Close.
var ErrServiceClosed = errors.New("classifier service closed")

// AckStatus tells callers what an acknowledgement actually did.
type AckStatus string

// AckUnimplemented marks an acknowledgement of an operation that has no
// effect yet. Nothing was stored.
const AckUnimplemented AckStatus = "unimplemented"

// Ack is the result of create and learn.
type Ack struct {
	Operation string    `json:"operation"`
	Status    AckStatus `json:"status"`
	Committed bool      `json:"committed"`
}

// Stage is a step of an infer request.
type Stage string

const (
	StageReceived  Stage = "received"
	StageScheduled Stage = "scheduled"
	StageDecoding  Stage = "decoding"
	StageReshaping Stage = "reshaping"
	StageInferring Stage = "inferring"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// StageObserver is notified of every stage an infer request enters. It runs
// on the goroutine performing the transition and must not block.
type StageObserver func(requestID string, stage Stage, err error)

// Option configures a Service.
type Option func(*Service)

// WithDecoder replaces the default JPEG decoder.
func WithDecoder(d *imaging.Decoder) Option {
	return func(s *Service) { s.decoder = d }
}

// WithObserver installs a stage observer.
func WithObserver(o StageObserver) Option {
	return func(s *Service) { s.observe = o }
}

// Service owns the engine and label table for the life of the process.
type Service struct {
	engine  engine.Engine
	labels  *labels.Table
	decoder *imaging.Decoder
	exec    *Executor
	observe StageObserver
	logger  *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New starts a service around eng. The service takes ownership of eng and
// closes it on Close.
func New(eng engine.Engine, table *labels.Table, logger *zap.Logger, opts ...Option) *Service {
	logger = logger.Named("classifier")
	s := &Service{
		engine:  eng,
		labels:  table,
		decoder: imaging.NewDecoder(),
		exec:    NewExecutor(logger),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.exec.Start()
	return s
}

// Create acknowledges a new identity binding. Not implemented: nothing is
// persisted and the returned Ack says so.
func (s *Service) Create(ctx context.Context, identity string, spec *query.Spec) *Future[Ack] {
	return s.unimplemented(ctx, "create", identity)
}

// Learn acknowledges knowledge for an identity. Not implemented: nothing is
// persisted and the returned Ack says so.
func (s *Service) Learn(ctx context.Context, identity string, knowledge *query.Spec) *Future[Ack] {
	return s.unimplemented(ctx, "learn", identity)
}

func (s *Service) unimplemented(ctx context.Context, operation, identity string) *Future[Ack] {
	requestID, _ := logging.RequestIDFromContext(ctx)
	logging.WithOperation(s.logger, "classifier."+operation, requestID).
		Warn(operation+" is not implemented", zap.String("identity", identity))
	return Resolved(Ack{Operation: operation, Status: AckUnimplemented})
}

// Infer classifies the first image of q. The returned future resolves once
// the engine has processed the request; requests are served one at a time in
// arrival order.
func (s *Service) Infer(ctx context.Context, identity string, q *query.Spec) *Future[string] {
	req := s.newRequest(ctx, identity)
	req.enter(StageReceived, nil)

	image, err := q.FirstImage()
	if err != nil {
		req.enter(StageFailed, err)
		return Failed[string](err)
	}

	fut := newFuture[string]()
	req.enter(StageScheduled, nil)
	accepted := s.exec.Submit(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: engine panic: %v", engine.ErrForward, r)
				req.enter(StageFailed, err)
				fut.complete("", err)
			}
		}()

		label, err := s.classify(req, image)
		if err != nil {
			req.enter(StageFailed, err)
			fut.complete("", err)
			return err
		}
		req.enter(StageCompleted, nil)
		req.logger.Info("inference completed",
			zap.String("label", label),
			zap.Duration("latency", time.Since(req.started)),
		)
		fut.complete(label, nil)
		return nil
	})
	if !accepted {
		req.enter(StageFailed, ErrServiceClosed)
		return Failed[string](ErrServiceClosed)
	}
	return fut
}

// classify runs on the executor goroutine only.
func (s *Service) classify(req *request, image []byte) (string, error) {
	req.enter(StageDecoding, nil)
	input, err := s.decoder.Decode(image)
	if err != nil {
		return "", err
	}

	req.enter(StageReshaping, nil)
	changed, err := engine.Reshape(s.engine, input.Len())
	if err != nil {
		return "", err
	}
	if changed {
		req.logger.Debug("engine reshaped", zap.Stringer("input_shape", s.engine.InputShape()))
	}

	req.enter(StageInferring, nil)
	if err := s.engine.SetInput(input.Data); err != nil {
		return "", fmt.Errorf("bind input: %w", err)
	}
	if err := s.engine.Forward(); err != nil {
		return "", fmt.Errorf("forward: %w", err)
	}
	scores := s.engine.Output()
	if len(scores) == 0 {
		return "", fmt.Errorf("%w: empty output tensor", engine.ErrForward)
	}

	return s.labels.Lookup(classIndex(scores[0]))
}

// classIndex truncates the first output score toward zero. Non-finite or
// out-of-range scores map to -1 so the lookup rejects them.
func classIndex(score float32) int {
	f := float64(score)
	if math.IsNaN(f) || f >= math.MaxInt32 || f <= math.MinInt32 {
		return -1
	}
	return int(f)
}

// Stats reports the executor counters.
func (s *Service) Stats() ExecutorStats {
	return s.exec.Stats()
}

// Labels exposes the read-only label table.
func (s *Service) Labels() *labels.Table {
	return s.labels
}

// Close rejects new requests, finishes the queued ones and releases the engine.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.exec.Close()
		if err := s.engine.Close(); err != nil {
			s.closeErr = fmt.Errorf("close engine: %w", err)
		}
		s.logger.Info("classifier closed", zap.Int64("served", s.exec.Stats().CompletedJobs))
	})
	return s.closeErr
}

type request struct {
	id       string
	identity string
	started  time.Time
	logger   *zap.Logger
	observe  StageObserver
}

func (s *Service) newRequest(ctx context.Context, identity string) *request {
	id, ok := logging.RequestIDFromContext(ctx)
	if !ok {
		id = uuid.NewString()
	}
	return &request{
		id:       id,
		identity: identity,
		started:  time.Now(),
		logger:   logging.WithOperation(s.logger, "classifier.infer", id).With(zap.String("identity", identity)),
		observe:  s.observe,
	}
}

func (r *request) enter(stage Stage, err error) {
	if err != nil {
		r.logger.Warn("inference failed", zap.String("stage", string(stage)), zap.Error(err))
	} else {
		r.logger.Debug("stage", zap.String("stage", string(stage)))
	}
	if r.observe != nil {
		r.observe(r.id, stage, err)
	}
}

package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/BrunoKrugel/stream2bucket/internal/metrics"
	"github.com/BrunoKrugel/stream2bucket/internal/model"
	"github.com/BrunoKrugel/stream2bucket/internal/sniff"
	"github.com/BrunoKrugel/stream2bucket/internal/storage"
	"github.com/BrunoKrugel/stream2bucket/internal/utils"
)

// State of a single upload request.
type State string

const (
	StateReceived    State = "received"
	StateSniffing    State = "sniffing"
	StateRejected    State = "rejected"
	StateSniffed     State = "sniffed"
	StateUploading   State = "uploading"
	StateFailed      State = "failed"
	StateStored      State = "stored"
	StateResultReady State = "result_ready"
)

// Uploader persists a stream and returns the key it was stored under.
type Uploader interface {
	Upload(ctx context.Context, r io.Reader, name, contentType string) (string, error)
}

// Service validates uploads and hands them to the object store.
type Service struct {
	uploader  Uploader
	rules     []sniff.Rule
	minHeader int
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithRules(rules []sniff.Rule) Option {
	return func(s *Service) { s.rules = rules }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

func NewService(uploader Uploader, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		uploader:  uploader,
		rules:     sniff.DefaultRules(),
		minHeader: sniff.MinHeaderBytes,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Process sniffs req.Body, streams it to storage and builds the result.
// req.Body is closed exactly once before Process returns. Errors from the
// sniffer and the uploader are returned unchanged.
func (s *Service) Process(ctx context.Context, req model.UploadRequest) (model.UploadResult, error) {
	start := time.Now()
	body := &onceCloser{rc: req.Body}
	defer body.Close()

	log := s.logger.With("filename", req.Filename)
	log.Info("processing upload", "content_type", req.ContentType)
	s.transition(log, StateReceived)

	s.transition(log, StateSniffing)
	stream, err := sniff.Sniff(ctx, body, s.minHeader, s.rules)
	if err != nil {
		s.transition(log, StateRejected)
		return model.UploadResult{}, s.finish(log, start, err)
	}
	s.transition(log, StateSniffed, "format", stream.Format().Name)

	s.transition(log, StateUploading)
	counted := &countingReader{r: stream}
	key, err := s.uploader.Upload(ctx, counted, req.Filename, contentType(req.ContentType, stream.Format()))
	if err != nil {
		s.transition(log, StateFailed)
		return model.UploadResult{}, s.finish(log, start, err)
	}
	s.transition(log, StateStored, "key", key)
	if s.metrics != nil {
		s.metrics.UploadBytes.Add(float64(counted.n))
	}

	processedAt := s.now()
	capturedAt := processedAt
	if req.CapturedAt != nil {
		capturedAt = *req.CapturedAt
	}

	result := model.UploadResult{
		ImageID:    req.Filename,
		StorageKey: key,
		Metadata: model.Metadata{
			CapturedAt:  utils.FormatTimestamp(capturedAt),
			ProcessedAt: utils.FormatTimestamp(processedAt),
		},
		Status: model.StatusUploaded,
	}
	s.transition(log, StateResultReady)

	log.Info("upload complete",
		"key", key,
		"bytes", counted.n,
		"captured_at", result.Metadata.CapturedAt,
		"processed_at", result.Metadata.ProcessedAt,
	)
	_ = s.finish(log, start, nil)
	return result, nil
}

func (s *Service) transition(log *slog.Logger, state State, args ...any) {
	log.Debug("upload state", append([]any{"state", state}, args...)...)
}

func (s *Service) finish(log *slog.Logger, start time.Time, err error) error {
	outcome := Outcome(err)
	if err != nil {
		log.Warn("upload rejected", "outcome", outcome, "error", err)
	}
	if s.metrics != nil {
		s.metrics.Uploads.WithLabelValues(outcome).Inc()
		s.metrics.UploadDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
	return err
}

// Outcome names the result of Process for logs and metrics.
func Outcome(err error) string {
	var srcErr *sniff.SourceError
	switch {
	case err == nil:
		return metrics.OutcomeUploaded
	case errors.Is(err, sniff.ErrInvalidFormat):
		return metrics.OutcomeInvalidFormat
	case errors.Is(err, sniff.ErrStreamTooShort):
		return metrics.OutcomeTooShort
	case errors.As(err, &srcErr):
		return metrics.OutcomeSourceError
	case errors.Is(err, storage.ErrStorageUnavailable):
		return metrics.OutcomeUnavailable
	default:
		return metrics.OutcomeWriteFailed
	}
}

// contentType prefers the declared type unless it says nothing useful.
func contentType(declared string, format sniff.Rule) string {
	switch declared {
	case "", "application/octet-stream":
		return format.ContentType
	}
	return declared
}

type onceCloser struct {
	rc   io.ReadCloser
	once sync.Once
	err  error
}

func (o *onceCloser) Read(p []byte) (int, error) {
	return o.rc.Read(p)
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.err = o.rc.Close() })
	return o.err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

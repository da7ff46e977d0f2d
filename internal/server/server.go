package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/BrunoKrugel/stream2bucket/internal/metrics"
	"github.com/BrunoKrugel/stream2bucket/internal/model"
	"github.com/BrunoKrugel/stream2bucket/internal/sniff"
	"github.com/BrunoKrugel/stream2bucket/internal/storage"
	"github.com/BrunoKrugel/stream2bucket/internal/utils"
)

const (
	UploadPath  = "/ingestion/upload"
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"

	capturedAtField   = "capturedAt"
	maxFieldBytes     = 1 << 20
	maxFields         = 10
	maxFieldNameBytes = 100
)

// Processor runs the validate-then-store pipeline for one file part.
type Processor interface {
	Process(ctx context.Context, req model.UploadRequest) (model.UploadResult, error)
}

// Notifier receives successful results. It must not block.
type Notifier interface {
	Dispatch(result model.UploadResult) bool
}

// Pinger reports whether the object store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Processor          Processor
	Notifier           Notifier
	Health             Pinger
	Metrics            *metrics.Collector
	Logger             *slog.Logger
	MaxBodyBytes       int64
	RateLimitPerMinute int

	// RateLimitIdleTTL is how long an idle client's bucket is kept.
	RateLimitIdleTTL time.Duration

	// TrustProxy keys rate limiting on X-Forwarded-For instead of the peer.
	TrustProxy bool

	// CORSOrigin is a comma-separated origin list. Empty disables CORS.
	CORSOrigin string
}

// Server exposes the ingestion endpoints.
type Server struct {
	processor  Processor
	notifier   Notifier
	health     Pinger
	metrics    *metrics.Collector
	logger     *slog.Logger
	maxBody    int64
	trustProxy bool
	limiter    *limiterStore
	cors       *corsPolicy
}

func New(opts Options) *Server {
	s := &Server{
		processor:  opts.Processor,
		notifier:   opts.Notifier,
		health:     opts.Health,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		maxBody:    opts.MaxBodyBytes,
		trustProxy: opts.TrustProxy,
		cors:       newCORSPolicy(opts.CORSOrigin),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if opts.RateLimitPerMinute > 0 {
		s.limiter = newLimiterStore(opts.RateLimitPerMinute, opts.RateLimitIdleTTL, nil)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	upload := http.Handler(http.HandlerFunc(s.handleUpload))
	if s.limiter != nil {
		upload = s.rateLimit(upload)
	}
	mux.Handle("POST "+UploadPath, upload)
	mux.HandleFunc("GET "+HealthPath, s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET "+MetricsPath, s.metrics.Handler())
	}

	h := http.Handler(mux)
	if s.cors != nil {
		h = s.cors.middleware(h)
	}
	return s.accessLog(secureHeaders(h))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		s.reject(w, http.StatusBadRequest, "multipart/form-data body required")
		return
	}

	var capturedAt *time.Time
	fields := 0

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.rejectErr(w, &sniff.SourceError{Err: err})
			return
		}

		if part.FileName() == "" {
			if fields++; fields > maxFields {
				s.reject(w, http.StatusBadRequest, "Too many fields")
				return
			}
			if len(part.FormName()) > maxFieldNameBytes {
				s.reject(w, http.StatusBadRequest, "Field name too long")
				return
			}
			if part.FormName() == capturedAtField {
				ts, err := readTimestamp(part)
				if err != nil {
					s.reject(w, http.StatusBadRequest, err.Error())
					return
				}
				capturedAt = &ts
				s.logger.Debug("capturedAt received", "captured_at", utils.FormatTimestamp(ts))
			}
			_ = part.Close()
			continue
		}

		result, err := s.processor.Process(r.Context(), model.UploadRequest{
			Body:        &partBody{part: part},
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			CapturedAt:  capturedAt,
		})
		if err != nil {
			s.rejectErr(w, err)
			return
		}

		if s.notifier != nil {
			s.notifier.Dispatch(result)
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}

	s.reject(w, http.StatusBadRequest, "No file uploaded")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readTimestamp(part *multipart.Part) (time.Time, error) {
	raw, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
	if err != nil {
		return time.Time{}, err
	}
	return utils.ParseTimestamp(string(raw))
}

// partBody hands a file part to the pipeline. Close stops reading without
// draining the rest of the part.
type partBody struct {
	part   *multipart.Part
	closed bool
}

func (b *partBody) Read(p []byte) (int, error) {
	if b.closed {
		return 0, http.ErrBodyReadAfterClose
	}
	return b.part.Read(p)
}

func (b *partBody) Close() error {
	b.closed = true
	return nil
}

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// StatusFor maps pipeline errors to HTTP status codes.
func StatusFor(err error) int {
	var srcErr *sniff.SourceError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, sniff.ErrInvalidFormat),
		errors.Is(err, sniff.ErrStreamTooShort),
		errors.As(err, &srcErr):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrStorageWriteFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) rejectErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	switch {
	case errors.Is(err, sniff.ErrInvalidFormat):
		msg = "Invalid file type. Only JPG and PNG allowed."
	case errors.Is(err, sniff.ErrStreamTooShort):
		msg = "File too short"
	case status >= http.StatusInternalServerError:
		s.logger.Error("upload failed", "status", status, "error", err)
		msg = http.StatusText(status)
	}
	s.reject(w, status, msg)
}

func (s *Server) reject(w http.ResponseWriter, status int, msg string) {
	// The unread rest of the body is not worth draining.
	w.Header().Set("Connection", "close")
	writeJSON(w, status, ErrorBody{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

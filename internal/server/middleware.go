package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultLimiterTTL = 10 * time.Minute

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func routeLabel(path string) string {
	switch path {
	case UploadPath, HealthPath, MetricsPath:
		return path
	}
	return "other"
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(routeLabel(r.URL.Path), strconv.Itoa(rec.status)).Inc()
		}
		if r.URL.Path == MetricsPath || r.URL.Path == HealthPath {
			return
		}
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", s.clientIP(r),
		)
	})
}

// limiterStore keeps one token bucket per client. Buckets idle for longer
// than ttl are swept on access, at most once per ttl.
type limiterStore struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLimiterStore(perMinute int, ttl time.Duration, now func() time.Time) *limiterStore {
	if ttl <= 0 {
		ttl = defaultLimiterTTL
	}
	if now == nil {
		now = time.Now
	}
	return &limiterStore{
		buckets:   make(map[string]*bucket),
		limit:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:     perMinute,
		ttl:       ttl,
		lastSweep: now(),
		now:       now,
	}
}

// take spends one token of key's bucket. When the bucket is empty nothing is
// spent and the wait until the next token is returned.
func (l *limiterStore) take(key string) (time.Duration, bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now

	res := b.lim.ReserveN(now, 1)
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait, false
	}
	return 0, true
}

func (l *limiterStore) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.seen) > l.ttl {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

func (l *limiterStore) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wait, ok := s.limiter.take(s.clientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(max(int(math.Ceil(wait.Seconds())), 1)))
			s.reject(w, http.StatusTooManyRequests, "ThrottlerException: Too Many Requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the socket peer unless the server sits behind a trusted proxy,
// in which case the first X-Forwarded-For hop wins.
func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			hop, _, _ := strings.Cut(fwd, ",")
			if hop = strings.TrimSpace(hop); hop != "" {
				return hop
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

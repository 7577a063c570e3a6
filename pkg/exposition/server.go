package exposition

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"telemetry-go/pkg/config"
	"telemetry-go/pkg/metrics"
)

// Server exposes the aggregated snapshot on a single GET route. Rendering is
// done once per snapshot generation and shared by all concurrent scrapes.
type Server struct {
	cfg         *config.Config
	logger      zerolog.Logger
	agg         *metrics.Aggregator
	renderer    *Renderer
	rateLimiter *RateLimiterMiddleware
	httpServer  *http.Server

	flight  singleflight.Group
	mu      sync.Mutex
	gen     uint64
	plain   []byte
	gzipped []byte

	renders uint64 // atomic; render passes performed, for tests and logs
}

// NewServer creates a scrape server over the given aggregator.
func NewServer(cfg *config.Config, agg *metrics.Aggregator, logger zerolog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		logger:      logger.With().Str("component", "exposition").Logger(),
		agg:         agg,
		renderer:    NewRenderer(cfg.BucketBounds),
		rateLimiter: NewRateLimiter(logger, cfg.RateLimitEnabled, cfg.RateLimit, cfg.RateLimitBurst),
	}
}

// Handler returns the routed HTTP handler. Exposed for tests and for
// embedding runtimes that already run an HTTP server.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return s.rateLimiter.Middleware(router)
}

// Start runs the HTTP server until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.logger.Info().
		Str("addr", s.cfg.Listen).
		Bool("compression", s.cfg.Compression).
		Msg("Starting scrape server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	sn := s.agg.Fresh(r.Context())
	if sn == nil {
		s.logger.Error().Msg("No snapshot available for scrape")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	body := s.rendered(sn)
	w.Header().Set("Content-Type", ContentType)

	if s.cfg.Compression && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		if gz := s.renderedGzip(sn, body); gz != nil {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Set("Content-Length", strconv.Itoa(len(gz)))
			w.Write(gz)
			return
		}
		// Compression failed; the uncompressed payload still serves.
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Write(body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

// rendered returns the cached payload for the snapshot's generation,
// rendering at most once per generation under concurrent scrapes.
func (s *Server) rendered(sn *metrics.Snapshot) []byte {
	s.mu.Lock()
	if s.gen == sn.Generation && s.plain != nil {
		body := s.plain
		s.mu.Unlock()
		return body
	}
	s.mu.Unlock()

	v, _, _ := s.flight.Do("render-"+strconv.FormatUint(sn.Generation, 10), func() (interface{}, error) {
		// Re-check under the flight: a caller that lost the race to the
		// cache check may arrive after the winning render finished.
		s.mu.Lock()
		if s.gen == sn.Generation && s.plain != nil {
			body := s.plain
			s.mu.Unlock()
			return body, nil
		}
		s.mu.Unlock()
		body := s.renderer.Render(sn)
		atomic.AddUint64(&s.renders, 1)
		s.mu.Lock()
		s.gen = sn.Generation
		s.plain = body
		s.gzipped = nil
		s.mu.Unlock()
		return body, nil
	})
	return v.([]byte)
}

// renderedGzip returns the cached compressed payload for the generation, or
// nil when compression fails.
func (s *Server) renderedGzip(sn *metrics.Snapshot, body []byte) []byte {
	s.mu.Lock()
	if s.gen == sn.Generation && s.gzipped != nil {
		gz := s.gzipped
		s.mu.Unlock()
		return gz
	}
	s.mu.Unlock()

	v, err, _ := s.flight.Do("gzip-"+strconv.FormatUint(sn.Generation, 10), func() (interface{}, error) {
		gz, err := s.renderer.RenderGzip(sn)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.gen == sn.Generation {
			s.gzipped = gz
		}
		s.mu.Unlock()
		return gz, nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Compression failed, serving uncompressed payload")
		return nil
	}
	return v.([]byte)
}

// Renders reports how many render passes the server has performed.
func (s *Server) Renders() uint64 {
	return atomic.LoadUint64(&s.renders)
}

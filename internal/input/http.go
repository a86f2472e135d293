package input

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const (
	httpQueueDepth    = 1024
	httpMaxBody       = 1 << 20
	httpShutdownGrace = 5 * time.Second
	defaultHTTPRPS    = 100
)

// HTTPSource receives events over HTTP POST and queues them for the
// pipeline. Optional API-key authentication compares bearer tokens
// against a bcrypt hash; a token-bucket limiter sheds excess load.
type HTTPSource struct {
	server   *http.Server
	listener net.Listener
	queue    chan Record
	logger   *slog.Logger

	keyHash []byte
	limiter *rate.Limiter

	done chan struct{}
}

// HTTPConfig configures the receiver.
type HTTPConfig struct {
	Host string
	Port int
	// APIKeyHash is a bcrypt hash of the accepted bearer token; empty
	// disables authentication.
	APIKeyHash []byte
	// RequestsPerSecond bounds the accepted request rate; zero applies
	// the default.
	RequestsPerSecond int
}

// NewHTTPSource binds the listener and starts serving.
func NewHTTPSource(cfg HTTPConfig, logger *slog.Logger) (*HTTPSource, error) {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultHTTPRPS
	}

	s := &HTTPSource{
		queue:   make(chan Record, httpQueueDepth),
		logger:  logger,
		keyHash: cfg.APIKeyHash,
		limiter: rate.NewLimiter(rate.Limit(rps), 2*rps),
		done:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.handleEvent)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.listener = listener
	s.server = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second}

	go func() {
		defer close(s.done)
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("event receiver stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("event receiver listening", slog.String("addr", listener.Addr().String()))
	return s, nil
}

// Addr returns the bound listen address.
func (s *HTTPSource) Addr() string { return s.listener.Addr().String() }

func (s *HTTPSource) handleEvent(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if len(s.keyHash) > 0 {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || bcrypt.CompareHashAndPassword(s.keyHash, []byte(token)) != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, httpMaxBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, "bad JSON body", http.StatusBadRequest)
		return
	}

	record := make(Record, len(raw))
	flattenInto(record, "", raw)

	select {
	case s.queue <- record:
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}
}

// Next blocks for the next queued record. After Close, drained records are
// still delivered before io.EOF.
func (s *HTTPSource) Next(ctx context.Context) (Record, error) {
	select {
	case record, ok := <-s.queue:
		if !ok {
			return nil, io.EOF
		}
		return record, nil
	case <-s.done:
		// server stopped: drain what is left, then EOF
		select {
		case record, ok := <-s.queue:
			if !ok {
				return nil, io.EOF
			}
			return record, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the receiver down gracefully.
func (s *HTTPSource) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// HashAPIKey produces the bcrypt hash stored in the receiver's key file.
func HashAPIKey(key string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
}

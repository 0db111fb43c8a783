package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ChainLedger/internal/ledger"
	"ChainLedger/internal/observability"
)

// Server exposes the ledger over HTTP/JSON: chain queries, the audit trail,
// on-demand verification, health probes and Prometheus metrics, plus the
// reference host's mutation endpoint.
type Server struct {
	manager *ledger.Manager
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewServer(
	manager *ledger.Manager,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		manager: manager,
		health:  health,
		metrics: metrics,
		log:     log,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/head", s.instrument("head", s.handleHead))
		r.Get("/snapshots/{sequence}", s.instrument("snapshot", s.handleSnapshot))
		r.Get("/audit", s.instrument("audit", s.handleAudit))
		r.Post("/verify", s.instrument("verify", s.handleVerify))
		r.Post("/state", s.instrument("state", s.handleState))
	})

	return r
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// snapshotView is the wire form of a snapshot: hashes hex-encoded, parent
// omitted for genesis.
type snapshotView struct {
	Sequence      uint64         `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	SchemaVersion string         `json:"schema_version"`
	ContentHash   string         `json:"content_hash"`
	ParentHash    *string        `json:"parent_hash,omitempty"`
	StateFields   ledger.Payload `json:"state_fields"`
}

func viewOf(snap *ledger.Snapshot) snapshotView {
	v := snapshotView{
		Sequence:      snap.Sequence,
		Timestamp:     snap.Timestamp,
		SchemaVersion: snap.SchemaVersion,
		ContentHash:   hex.EncodeToString(snap.ContentHash[:]),
		StateFields:   snap.Payload,
	}
	if !snap.IsGenesis() {
		parent := hex.EncodeToString(snap.ParentHash[:])
		v.ParentHash = &parent
	}
	return v
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	tail, err := s.manager.Current(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tail == nil {
		s.writeError(w, http.StatusNotFound, errors.New("chain is empty"))
		return
	}

	length, err := s.manager.Length(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"head":            viewOf(tail),
		"chain_length":    length,
		"schema_version":  s.manager.SchemaVersion(),
		"last_checkpoint": s.manager.LastCheckpointSequence(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("sequence must be an unsigned integer"))
		return
	}

	snap, err := s.manager.At(r.Context(), seq)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, viewOf(snap))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	trail, err := s.manager.AuditTrail(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"entries": trail})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var (
		res ledger.VerificationResult
		err error
	)
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, parseErr := strconv.ParseUint(raw, 10, 64)
		if parseErr != nil {
			s.writeError(w, http.StatusBadRequest, errors.New("from must be an unsigned integer"))
			return
		}
		res, err = s.manager.ValidateFrom(r.Context(), from)
	} else {
		res, err = s.manager.ValidateIntegrity(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

// handleState is the reference host's mutation endpoint: the request body is
// a JSON object whose fields are merged into the current state, producing the
// next snapshot in the chain.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeStateFields(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	snap, err := s.manager.ApplyMutation(r.Context(), func(current ledger.Payload) (ledger.Payload, error) {
		next := current
		if next == nil {
			next = ledger.Payload{}
		}
		for k, v := range fields {
			next[k] = v
		}
		return next, nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrSerialization) {
			s.writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, viewOf(snap))
}

func decodeStateFields(r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(r.Body)
	// Decode numbers as json.Number so a stored-and-reloaded payload
	// canonicalizes to the same bytes that were hashed on append.
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, errors.New("body must be a JSON object of state fields")
	}
	if len(fields) == 0 {
		return nil, errors.New("at least one state field is required")
	}
	return fields, nil
}

// instrument wraps a handler with request/latency metrics.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Package server exposes the broker client over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/fault"
	"github.com/vietddude/brokerdata/internal/infra/rpc"
	"github.com/vietddude/brokerdata/internal/infra/rpc/budget"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
	"github.com/vietddude/brokerdata/internal/infra/rpc/routing"
	"github.com/vietddude/brokerdata/internal/infra/storage"
)

const maxBatch = 100

// Backend is what the server needs from the running service.
type Backend interface {
	Client() *rpc.Client
	Journal() storage.FailedQueryRepository
	Health(ctx context.Context) error
	InstrumentCounts() map[domain.BrokerID]int
	TransportStats() map[string]provider.MonitorStats
	BudgetUsage() map[domain.BrokerID]budget.UsageStats
}

// Server provides the query API plus health and metrics endpoints.
type Server struct {
	backend     Backend
	concurrency int
	server      *http.Server
	log         *slog.Logger
}

// New creates a server listening on port. concurrency bounds batch fan-out.
func New(backend Backend, port, concurrency int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		backend:     backend,
		concurrency: concurrency,
		log:         slog.Default(),
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	mux.HandleFunc("GET /v1/query", s.handleQuery)
	mux.HandleFunc("POST /v1/query/batch", s.handleBatch)
	mux.HandleFunc("GET /v1/brokers", s.handleBrokers)
	mux.HandleFunc("GET /v1/failures", s.handleFailures)
	mux.HandleFunc("GET /v1/failures/{id}", s.handleFailure)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Kind     fault.Kind        `json:"kind"`
	Message  string            `json:"message"`
	CallID   string            `json:"call_id,omitempty"`
	Broker   domain.BrokerID   `json:"broker,omitempty"`
	Attempts []routing.Attempt `json:"attempts,omitempty"`
}

func errorFrom(err error) errorBody {
	body := errorBody{Kind: fault.KindOf(err), Message: err.Error()}
	if ce, ok := routing.AsCallError(err); ok {
		body.CallID = ce.CallID
		body.Broker = ce.Broker
		body.Attempts = ce.Attempts
		if ce.Err != nil {
			body.Message = ce.Err.Error()
		}
	}
	return body
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.BadRequest:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.RateLimited:
		return http.StatusTooManyRequests
	case fault.Canceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorFrom(err)
	writeJSON(w, statusFor(body.Kind), map[string]any{"error": body})
}

// parseTime accepts RFC 3339 timestamps or dates, which are read as exchange-time midnight.
func parseTime(field, v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, domain.IST)
	if err != nil {
		return time.Time{}, fault.Newf(fault.BadRequest, "invalid %s %q", field, v)
	}
	return t, nil
}

func queryFromURL(r *http.Request) (domain.Query, error) {
	v := r.URL.Query()
	q := domain.Query{
		InstrumentID: v.Get("instrument"),
		Kind:         domain.QueryKind(strings.ToUpper(v.Get("kind"))),
		Interval:     domain.BarInterval(v.Get("interval")),
		BrokerHint:   domain.BrokerID(strings.ToLower(v.Get("broker"))),
	}
	if q.Kind == "" {
		q.Kind = domain.KindQuote
	}

	from, to := v.Get("from"), v.Get("to")
	if from != "" || to != "" {
		var rng domain.TimeRange
		var err error
		if from != "" {
			if rng.Start, err = parseTime("from", from); err != nil {
				return q, err
			}
		}
		if to != "" {
			if rng.End, err = parseTime("to", to); err != nil {
				return q, err
			}
		}
		q.Range = &rng
	}
	return q, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromURL(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.backend.Client().Query(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": rec.RecordKind(), "record": rec})
}

type batchResult struct {
	Query  domain.Query  `json:"query"`
	Record domain.Record `json:"record,omitempty"`
	Error  *errorBody    `json:"error,omitempty"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var qs []domain.Query
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&qs); err != nil {
		writeError(w, fault.Wrap(fault.BadRequest, err, "invalid batch body"))
		return
	}
	if len(qs) > maxBatch {
		writeError(w, fault.Newf(fault.BadRequest, "batch of %d exceeds %d queries", len(qs), maxBatch))
		return
	}

	results := s.backend.Client().QueryMany(r.Context(), qs, s.concurrency)
	out := make([]batchResult, len(results))
	for i, res := range results {
		out[i] = batchResult{Query: res.Query, Record: res.Record}
		if res.Err != nil {
			body := errorFrom(res.Err)
			out[i].Error = &body
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

type brokerStatus struct {
	rpc.BrokerInfo
	Instruments int                    `json:"instruments"`
	Transport   *provider.MonitorStats `json:"transport,omitempty"`
	Budget      *budget.UsageStats     `json:"budget,omitempty"`
}

func (s *Server) handleBrokers(w http.ResponseWriter, r *http.Request) {
	counts := s.backend.InstrumentCounts()
	stats := s.backend.TransportStats()
	usage := s.backend.BudgetUsage()

	brokers := s.backend.Client().Brokers()
	out := make([]brokerStatus, 0, len(brokers))
	for _, b := range brokers {
		st := brokerStatus{BrokerInfo: b, Instruments: counts[b.ID]}
		if ms, ok := stats[string(b.ID)]; ok {
			st.Transport = &ms
		}
		if u, ok := usage[b.ID]; ok {
			st.Budget = &u
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"brokers": out})
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	journal := s.backend.Journal()
	if journal == nil {
		writeError(w, fault.New(fault.NotFound, "failure journal disabled"))
		return
	}

	v := r.URL.Query()
	filter := storage.FailedQueryFilter{
		Broker:    domain.BrokerID(strings.ToLower(v.Get("broker"))),
		ErrorKind: strings.ToUpper(v.Get("error_kind")),
	}
	if since := v.Get("since"); since != "" {
		t, err := parseTime("since", since)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.Since = t
	}
	if limit := v.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, fault.Newf(fault.BadRequest, "invalid limit %q", limit))
			return
		}
		filter.Limit = n
	}

	list, err := journal.List(r.Context(), filter)
	if err != nil {
		s.log.Error("Failed to list failures", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal unavailable"})
		return
	}
	if list == nil {
		list = []*domain.FailedQuery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": list})
}

func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	journal := s.backend.Journal()
	if journal == nil {
		writeError(w, fault.New(fault.NotFound, "failure journal disabled"))
		return
	}

	fq, err := journal.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrFailedQueryNotFound) {
		writeError(w, fault.Wrap(fault.NotFound, err, r.PathValue("id")))
		return
	}
	if err != nil {
		s.log.Error("Failed to get failure", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, fq)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.backend.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

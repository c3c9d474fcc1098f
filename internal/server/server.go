// Package server exposes health, metrics and an operator API over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"crossarb/internal/executor"
	"crossarb/internal/model"
)

// Plans is the executor view the API uses.
type Plans interface {
	Active() []model.TradeRecord
	Lookup(planID string) (model.TradeRecord, bool)
	Cancel(planID string) error
}

// Balances is the balance manager view the API uses.
type Balances interface {
	Snapshot() []model.Balance
	Reservations() []model.Reservation
}

// History reads the persisted audit log.
type History interface {
	History(ctx context.Context, planID string) ([]model.TradeEntry, error)
	Stranded(ctx context.Context) ([]model.TradeEntry, error)
}

type Server struct {
	plans    Plans
	balances Balances
	history  History
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// New builds the API. history may be nil, in which case trade lookups fall
// back to the executor's in-memory records.
func New(plans Plans, balances Balances, history History, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	return &Server{
		plans:    plans,
		balances: balances,
		history:  history,
		gatherer: gatherer,
		logger:   logger.With(slog.String("component", "server")),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/plans", s.listPlans)
		r.Post("/plans/{id}/cancel", s.cancelPlan)
		r.Get("/balances", s.listBalances)
		r.Get("/reservations", s.listReservations)
		r.Get("/trades/stranded", s.listStranded)
		r.Get("/trades/{id}", s.tradeHistory)
	})
	return r
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type planView struct {
	ID           string             `json:"id"`
	Path         string             `json:"path"`
	Network      string             `json:"network"`
	State        model.State        `json:"state"`
	Outcome      model.Outcome      `json:"outcome,omitempty"`
	NetProfitPct decimal.Decimal    `json:"netProfitPct"`
	NotionalUSD  decimal.Decimal    `json:"notionalUsd"`
	StartedAt    time.Time          `json:"startedAt"`
	Error        string             `json:"error,omitempty"`
	Entries      []model.TradeEntry `json:"entries"`
}

func viewOf(rec model.TradeRecord) planView {
	return planView{
		ID:           rec.Plan.ID,
		Path:         rec.Plan.Opportunity.PathKey(),
		Network:      rec.Plan.Route.Network,
		State:        rec.State,
		Outcome:      rec.Outcome,
		NetProfitPct: rec.Plan.NetProfitPct,
		NotionalUSD:  rec.Plan.NotionalUSD,
		StartedAt:    rec.StartedAt,
		Error:        rec.Error,
		Entries:      rec.Entries,
	}
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	active := s.plans.Active()
	out := make([]planView, 0, len(active))
	for _, rec := range active {
		out = append(out, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) cancelPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.plans.Cancel(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
	case errors.Is(err, executor.ErrUnknownPlan):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, executor.ErrNotCancellable):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type balanceView struct {
	Exchange   string          `json:"exchange"`
	SubAccount string          `json:"subAccount"`
	Asset      string          `json:"asset"`
	Available  decimal.Decimal `json:"available"`
	Locked     decimal.Decimal `json:"locked"`
	Free       decimal.Decimal `json:"free"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func (s *Server) listBalances(w http.ResponseWriter, r *http.Request) {
	snap := s.balances.Snapshot()
	out := make([]balanceView, 0, len(snap))
	for _, b := range snap {
		out = append(out, balanceView{
			Exchange:   b.Key.Exchange,
			SubAccount: string(b.Key.SubAccount),
			Asset:      b.Key.Asset,
			Available:  b.Available,
			Locked:     b.Locked,
			Free:       b.Free(),
			UpdatedAt:  b.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type reservationView struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	Amount    decimal.Decimal `json:"amount"`
	PlanID    string          `json:"planId"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func (s *Server) listReservations(w http.ResponseWriter, r *http.Request) {
	res := s.balances.Reservations()
	out := make([]reservationView, 0, len(res))
	for _, rv := range res {
		out = append(out, reservationView{
			ID:        rv.ID,
			Key:       rv.Key.String(),
			Amount:    rv.Amount,
			PlanID:    rv.PlanID,
			ExpiresAt: rv.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listStranded(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no audit store configured"))
		return
	}
	entries, err := s.history.Stranded(r.Context())
	if err != nil {
		s.logger.Error("list stranded trades", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []model.TradeEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) tradeHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.history != nil {
		entries, err := s.history.History(r.Context(), id)
		if err != nil {
			s.logger.Error("trade history", slog.String("plan_id", id), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if len(entries) > 0 {
			writeJSON(w, http.StatusOK, entries)
			return
		}
	}
	if rec, ok := s.plans.Lookup(id); ok {
		writeJSON(w, http.StatusOK, rec.Entries)
		return
	}
	writeError(w, http.StatusNotFound, executor.ErrUnknownPlan)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

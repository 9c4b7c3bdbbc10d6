// Package dashboard serves a read-only JSON status API over the trade store.
// It never touches the broker: everything it reports comes from storage, so
// the trading loop stays the single writer.
package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/rhiggins/spx-autotrader/internal/models"
	"github.com/rhiggins/spx-autotrader/internal/storage"
)

//go:embed web/templates/*
var templateFS embed.FS

const (
	defaultAttemptLimit = 50
	defaultHistoryLimit = 100
)

type Server struct {
	router  *chi.Mux
	server  *http.Server
	storage storage.Interface
	logger  *logrus.Logger
	addr    string
	loc     *time.Location
}

type Config struct {
	Listen   string
	Location *time.Location
}

// PositionView is the wire shape of one position.
type PositionView struct {
	ID            string       `json:"id"`
	Strategy      string       `json:"strategy"`
	Symbol        string       `json:"symbol"`
	State         string       `json:"state"`
	Quantity      int          `json:"quantity"`
	Legs          []models.Leg `json:"legs"`
	EntryTime     time.Time    `json:"entry_time,omitempty"`
	ExitTime      time.Time    `json:"exit_time,omitempty"`
	EntryNet      float64      `json:"entry_net"`
	ExitNet       float64      `json:"exit_net,omitempty"`
	ExitReason    string       `json:"exit_reason,omitempty"`
	CurrentPnL    float64      `json:"current_pnl"`
	PositionDelta float64      `json:"position_delta"`
	ManualControl bool         `json:"manual_control"`
	IsCredit      bool         `json:"is_credit"`
	IsProfit      bool         `json:"is_profit"`
}

type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AveragePnL    float64 `json:"average_pnl"`
	CurrentOpen   int     `json:"current_open"`
	DailyPnL      float64 `json:"daily_pnl"`
}

func NewServer(cfg Config, store storage.Interface, logger *logrus.Logger) *Server {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	s := &Server{
		router:  chi.NewRouter(),
		storage: store,
		logger:  logger,
		addr:    cfg.Listen,
		loc:     loc,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/", s.handleStatus)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/positions/{id}", s.handleGetPosition)
	s.router.Get("/api/history", s.handleGetHistory)
	s.router.Get("/api/attempts", s.handleGetAttempts)
	s.router.Get("/api/attempts/{id}/ladder", s.handleGetLadder)
	s.router.Get("/api/stats", s.handleGetStats)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.WithField("addr", s.addr).Info("starting dashboard server")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	tmpl, err := template.ParseFS(templateFS, "web/templates/status.html")
	if err != nil {
		s.logger.WithError(err).Error("failed to parse status template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	stats, err := s.calculateStatistics()
	if err != nil {
		s.logger.WithError(err).Error("failed to calculate statistics")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	positions, err := s.storage.GetOpenPositions()
	if err != nil {
		s.logger.WithError(err).Error("failed to load open positions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	data := struct {
		Stats     *Statistics
		Positions []PositionView
	}{Stats: stats, Positions: toViews(positions)}

	if err := tmpl.Execute(w, data); err != nil {
		s.logger.WithError(err).Error("failed to execute status template")
	}
}

func (s *Server) handleGetPositions(w http.ResponseWriter, _ *http.Request) {
	positions, err := s.storage.GetOpenPositions()
	if err != nil {
		s.logger.WithError(err).Error("failed to load open positions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, toViews(positions))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pos, err := s.storage.GetPositionByID(id)
	if err != nil {
		if errors.Is(err, storage.ErrPositionNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		s.logger.WithError(err).Error("failed to load position")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, toView(pos))
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultHistoryLimit)
	positions, err := s.storage.GetPositionHistory(limit)
	if err != nil {
		s.logger.WithError(err).Error("failed to load position history")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, toViews(positions))
}

func (s *Server) handleGetAttempts(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultAttemptLimit)
	attempts, err := s.storage.GetRecentAttempts(limit)
	if err != nil {
		s.logger.WithError(err).Error("failed to load attempts")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, attempts)
}

func (s *Server) handleGetLadder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	adjustments, err := s.storage.GetPriceAdjustments(id)
	if err != nil {
		s.logger.WithError(err).Error("failed to load price adjustments")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if adjustments == nil {
		adjustments = []storage.PriceAdjustment{}
	}
	s.writeJSON(w, adjustments)
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.calculateStatistics()
	if err != nil {
		s.logger.WithError(err).Error("failed to calculate statistics")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) calculateStatistics() (*Statistics, error) {
	open, err := s.storage.GetOpenPositions()
	if err != nil {
		return nil, err
	}
	history, err := s.storage.GetPositionHistory(0)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{CurrentOpen: len(open)}
	for _, pos := range history {
		if pos.GetCurrentState() != models.StateCompleted {
			continue
		}
		stats.TotalTrades++
		pnl := pos.RealizedPnL()
		if pnl > 0 {
			stats.WinningTrades++
		} else {
			stats.LosingTrades++
		}
		stats.TotalPnL += pnl
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades) * 100
		stats.AveragePnL = stats.TotalPnL / float64(stats.TotalTrades)
	}

	today := time.Now().In(s.loc).Format("2006-01-02")
	daily, err := s.storage.GetDailyPnL(today)
	if err != nil {
		return nil, err
	}
	stats.DailyPnL = daily
	return stats, nil
}

func toViews(positions []*models.Position) []PositionView {
	views := make([]PositionView, 0, len(positions))
	for _, pos := range positions {
		views = append(views, toView(pos))
	}
	return views
}

func toView(pos *models.Position) PositionView {
	pnl := pos.CurrentPnL
	if pos.GetCurrentState() == models.StateCompleted {
		pnl = pos.RealizedPnL()
	}
	return PositionView{
		ID:            pos.ID,
		Strategy:      pos.Strategy,
		Symbol:        pos.Symbol,
		State:         string(pos.GetCurrentState()),
		Quantity:      pos.Quantity,
		Legs:          pos.Legs,
		EntryTime:     pos.EntryTime,
		ExitTime:      pos.ExitTime,
		EntryNet:      pos.EntryNet,
		ExitNet:       pos.ExitNet,
		ExitReason:    pos.ExitReason,
		CurrentPnL:    pnl,
		PositionDelta: pos.PositionDelta,
		ManualControl: pos.ManualControl,
		IsCredit:      pos.EntryNet < 0,
		IsProfit:      pnl > 0,
	}
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

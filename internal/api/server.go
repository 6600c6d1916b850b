// Package api serves read-only engine views and a few control endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"grid-trader-go/internal/models"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Engine is the slice of the state manager the API needs.
type Engine interface {
	GetStateSnapshot() *models.EngineState
	CreateGrid(ctx context.Context, base models.BaseTrade, history *models.Series) (string, error)
	CancelOrder(ctx context.Context, id string) (bool, error)
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// GridDetail is a grid with its orders resolved.
type GridDetail struct {
	models.ActiveGrid
	Orders []models.Order `json:"orders"`
}

// Health is the /healthz body.
type Health struct {
	Status         string    `json:"status"`
	Grids          int       `json:"grids"`
	Orders         int       `json:"orders"`
	Balance        float64   `json:"balance"`
	UpdateSeq      int64     `json:"update_seq"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// Server handles the REST API.
type Server struct {
	engine  Engine
	router  *mux.Router
	metrics http.Handler
	logger  *zap.Logger
	timeout time.Duration
}

// NewServer creates the router. metrics may be nil.
func NewServer(engine Engine, metrics http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		engine:  engine,
		router:  mux.NewRouter(),
		metrics: metrics,
		logger:  logger,
		timeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/grids", s.handleListGrids).Methods(http.MethodGet)
	s.router.HandleFunc("/grids", s.handleCreateGrid).Methods(http.MethodPost)
	s.router.HandleFunc("/grids/{id}", s.handleGetGrid).Methods(http.MethodGet)
	s.router.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	s.router.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "api server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown api server")
		}
		s.logger.Info("API server stopped")
		return nil
	}
}

func (s *Server) handleListGrids(w http.ResponseWriter, r *http.Request) {
	state := s.engine.GetStateSnapshot()
	active := r.URL.Query().Get("active")
	grids := make([]models.ActiveGrid, 0, len(state.Grids))
	for _, g := range state.Grids {
		if active == "true" && !g.Active || active == "false" && g.Active {
			continue
		}
		grids = append(grids, g)
	}
	respondJSON(w, http.StatusOK, grids)
}

func (s *Server) handleGetGrid(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state := s.engine.GetStateSnapshot()
	for _, g := range state.Grids {
		if g.ID != id {
			continue
		}
		byID := make(map[string]models.Order, len(state.Orders))
		for _, o := range state.Orders {
			byID[o.ID] = o
		}
		detail := GridDetail{ActiveGrid: g, Orders: make([]models.Order, 0, len(g.OrderIDs))}
		for _, oid := range g.OrderIDs {
			if o, ok := byID[oid]; ok {
				detail.Orders = append(detail.Orders, o)
			}
		}
		respondJSON(w, http.StatusOK, detail)
		return
	}
	respondError(w, http.StatusNotFound, "grid not found", id)
}

func (s *Server) handleCreateGrid(w http.ResponseWriter, r *http.Request) {
	var base models.BaseTrade
	if err := json.NewDecoder(r.Body).Decode(&base); err != nil {
		respondError(w, http.StatusBadRequest, "invalid base trade", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	id, err := s.engine.CreateGrid(ctx, base, nil)
	if err != nil {
		s.logger.Warn("Grid creation failed", zap.Error(err))
		respondError(w, http.StatusUnprocessableEntity, "grid creation failed", err.Error())
		return
	}
	if id == "" {
		respondError(w, http.StatusConflict, "no orders placed", "every order was rejected by risk checks")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	state := s.engine.GetStateSnapshot()
	q := r.URL.Query()
	status := models.OrderStatus(strings.ToUpper(q.Get("status")))
	gridID := q.Get("grid_id")

	orders := make([]models.Order, 0, len(state.Orders))
	for _, o := range state.Orders {
		if status != "" && o.Status != status {
			continue
		}
		if gridID != "" && o.GridID != gridID {
			continue
		}
		orders = append(orders, o)
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	ok, err := s.engine.CancelOrder(ctx, id)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "cancel failed", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusConflict, "order not cancellable", id)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.StatusCancelled)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.engine.GetStateSnapshot()
	respondJSON(w, http.StatusOK, Health{
		Status:         "ok",
		Grids:          len(state.Grids),
		Orders:         len(state.Orders),
		Balance:        state.Balance,
		UpdateSeq:      state.UpdateSeq,
		LastUpdateTime: state.LastUpdateTime,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	respondJSON(w, status, ErrorResponse{Error: code, Message: message})
}

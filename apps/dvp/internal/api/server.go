package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dvp/apps/dvp/internal/repository"
)

// Server exposes the operational surface of the indexer: liveness and
// per-exchange sync progress. The issuance REST API lives elsewhere.
type Server struct {
	syncStatusRepository *repository.SyncStatusRepository
	logger               *zap.Logger
	server               *http.Server
}

func NewServer(port int, syncStatusRepository *repository.SyncStatusRepository, logger *zap.Logger) *Server {
	return &Server{
		syncStatusRepository: syncStatusRepository,
		logger:               logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start starts the API server
func (s *Server) Start() error {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/sync/status", s.handleSyncStatus).Methods(http.MethodGet)
	s.server.Handler = router

	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop stops the API server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.syncStatusRepository.Ping(); err != nil {
		s.logger.Error("Health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type syncStatusEntry struct {
	ExchangeAddress   string    `json:"exchange_address"`
	LatestBlockNumber uint64    `json:"latest_block_number"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	cursors, err := s.syncStatusRepository.ListBlockCursors()
	if err != nil {
		s.logger.Error("Failed to list block cursors", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}

	entries := make([]syncStatusEntry, 0, len(cursors))
	for _, cursor := range cursors {
		entries = append(entries, syncStatusEntry{
			ExchangeAddress:   cursor.ExchangeAddress,
			LatestBlockNumber: cursor.LatestBlockNumber,
			UpdatedAt:         cursor.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"exchanges": entries})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

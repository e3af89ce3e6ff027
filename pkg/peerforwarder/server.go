package peerforwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server accepts forwarded batches from peers and appends them into the
// matching receive buffer. It speaks HTTP/2 without TLS (h2c) so peers can
// multiplex forward calls over one connection.
type Server struct {
	provider   *Provider
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(provider *Provider, port int, logger *zap.Logger) *Server {
	s := &Server{
		provider: provider,
		logger:   logger,
	}
	router := mux.NewRouter()
	router.HandleFunc(forwardPath, s.handleForward).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: h2c.NewHandler(router, &http2.Server{}),
	}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("Peer forwarder server stopped unexpectedly", zap.Error(err))
		}
	}()
	s.logger.Info("Peer forwarder server listening", zap.String("addr", s.httpServer.Addr))
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	var request wireRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.logger.Warn("Failed to decode forwarded batch", zap.Error(err))
		http.Error(w, "malformed forward request", http.StatusBadRequest)
		return
	}
	err := s.provider.Receive(request.PipelineName, request.PluginID, request.Events)
	if err != nil {
		s.logger.Warn("Failed to buffer forwarded batch",
			zap.String("pipeline", request.PipelineName),
			zap.String("plugin", request.PluginID),
			zap.Error(err),
		)
		http.Error(w, "failed to buffer forwarded batch", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down peer forwarder server: %w", err)
	}
	return nil
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPServer is the lifecycle surface of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService adapts an HTTPServer to suture.Service. Serve blocks until ctx
// ends, then shuts the server down gracefully.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// NewHTTPService wraps server. A non-positive shutdownTimeout becomes 10s.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration, logger *zap.Logger) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout, logger: logger}
}

// Serve implements suture.Service.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if srv, ok := h.server.(*http.Server); ok {
		h.logger.Info("http server started", zap.String("addr", srv.Addr))
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		h.logger.Info("http server stopped")
		return ctx.Err()
	}
}

// String names the service in supervisor logs.
func (h *HTTPService) String() string {
	return "http-server"
}

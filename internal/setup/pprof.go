package setup

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	// #nosec G108 -- pprof is only served on localhost
	_ "net/http/pprof"
	"time"

	"go.uber.org/zap"
)

// pprofServer serves the default mux with the pprof handlers.
type pprofServer struct {
	srv *http.Server
}

// startPprofServer listens on localhost:port.
func startPprofServer(port int, logger *zap.Logger) (*pprofServer, error) {
	addr := fmt.Sprintf("localhost:%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           http.DefaultServeMux,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create pprof listener: %w", err)
	}

	go func() {
		logger.Info("Starting pprof server", zap.String("address", addr))

		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Pprof server failed", zap.Error(err))
		}
	}()

	return &pprofServer{srv: srv}, nil
}

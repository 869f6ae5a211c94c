package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/k11v/pony/internal/coordinator"
)

// New returns a new HTTP server fronting the coordinator.
// It should be started with http.Server's ListenAndServe.
func New(cfg *Config, log *slog.Logger, c *coordinator.Coordinator) *http.Server {
	addr := net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port()))

	subLogger := log.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	h := newHandler(c)

	return &http.Server{
		Addr:              addr,
		ErrorLog:          subLogLogger,
		Handler:           h,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

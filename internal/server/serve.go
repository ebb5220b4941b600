package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/farmlokal/catalog-api/internal/config"
)

// Serve runs the HTTP server until SIGINT or SIGTERM, then drains in-flight
// requests within the configured shutdown timeout. Registered OnShutdown
// callbacks run as part of http.Server.Shutdown.
func Serve(cfg config.ServerConfig, srv *http.Server) error {
	serveErr := make(chan error, 1)

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		serveErr <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		// the listener failed before any signal arrived
		return err

	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutdown requested")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete, closing")
		srv.Close()
		return err
	}

	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.Info().Msg("server stopped")
	return nil
}

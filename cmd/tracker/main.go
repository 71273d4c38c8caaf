// tracker — development rendezvous service.
//
// It serves GET /ping and POST /submit-info on -port and the signaling
// WebSocket at /ws/p2p on -port+100, which is where peerlink clients expect
// it. State is kept in memory only.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/1ureka/peerlink/internal/rendezvous"
)

// wsPortOffset matches the offset clients add to the tracker URL's port.
const wsPortOffset = 100

func main() {
	host := flag.String("host", "127.0.0.1", "Interface to listen on")
	port := flag.Int("port", 9001, "HTTP port; the WebSocket listens on port+100")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).Level(level).With().Timestamp().Logger()

	s := rendezvous.NewServer(l)

	servers := []*http.Server{
		{Addr: fmt.Sprintf("%s:%d", *host, *port), Handler: s.HTTPRouter()},
		{Addr: fmt.Sprintf("%s:%d", *host, *port+wsPortOffset), Handler: s.WSRouter()},
	}

	for _, srv := range servers {
		srv := srv
		go func() {
			l.Info().Str("addr", srv.Addr).Msg("Starting server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.Fatal().Err(err).Str("addr", srv.Addr).Msg("Failed to start server")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			l.Error().Err(err).Str("addr", srv.Addr).Msg("Server forced to shutdown")
		}
	}
	l.Info().Msg("Server exited")
}

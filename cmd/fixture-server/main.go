package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	sio "github.com/ramory-l/siofixture"
	"github.com/ramory-l/siofixture/internal/config"
	"github.com/ramory-l/siofixture/internal/fixture"
	"github.com/ramory-l/siofixture/internal/logging"
)

func main() {
	logger := logging.New("fixture-server", logging.ProfileRuntime)

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	server := sio.NewServer(serverConfig(cfg, logger))
	if cfg.NoRecover {
		fixture.RegisterNoRecovery(server, cfg.Namespace, logger)
	} else {
		fixture.Register(server, cfg.Namespace, logger)
	}

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", server)
	httpServer := &http.Server{Handler: mux}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return err
	}

	if cfg.NoRecover {
		logger.Info().Int("port", cfg.Port).Msgf("Test server without recovery running on port %d", cfg.Port)
	} else {
		logger.Info().Int("port", cfg.Port).Msgf("Socket.IO server listening on port %d", cfg.Port)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if cfg.TLS {
			err = httpServer.ServeTLS(ln, cfg.CertFile, cfg.KeyFile)
		} else {
			err = httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		server.Close()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func serverConfig(cfg config.Config, logger zerolog.Logger) *sio.Config {
	out := &sio.Config{
		PingInterval: int(cfg.PingInterval / time.Millisecond),
		PingTimeout:  int(cfg.PingTimeout / time.Millisecond),
		Logger:       &logger,
	}
	if !cfg.NoRecover {
		out.Recovery = &sio.RecoveryConfig{
			MaxDisconnectionDuration: cfg.MaxDisconnection,
			SkipMiddlewares:          cfg.SkipMiddlewares,
		}
	}
	return out
}

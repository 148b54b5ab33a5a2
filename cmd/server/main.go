package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Huddle/internal/adapters/http"
	"github.com/dkeye/Huddle/internal/adapters/rtc"
	signaling "github.com/dkeye/Huddle/internal/adapters/signal"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/monitor"
)

var errEngineDied = errors.New("media engine died")

func main() {
	cmd := &cobra.Command{
		Use:           "huddle",
		Short:         "Room based WebRTC SFU",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          run,
	}
	config.BindFlags(cmd.Flags())

	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(cfg.Level())

	engine, err := rtc.NewRouter(rtc.Config{
		MinPort:     cfg.Media.RtcMinPort,
		MaxPort:     cfg.Media.RtcMaxPort,
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
		Codecs:      cfg.Media.Codecs,
	})
	if err != nil {
		return fmt.Errorf("create media router: %w", err)
	}
	defer engine.Close()

	o := orch.New(orch.Config{
		RequestTimeout:                  cfg.RequestTimeout,
		MaxIncomingBitrate:              cfg.Media.MaxIncomingBitrate,
		InitialAvailableOutgoingBitrate: cfg.Media.InitialAvailableOutgoingBitrate,
		IceServers:                      cfg.Media.IceServers,
		EnableSctp:                      cfg.Media.EnableSctp,
	}, engine, app.SimplePolicy{})

	ctrl := signaling.NewSignalWSController(o, signaling.Options{
		ReadLimit:        cfg.ReadLimit,
		PingPeriod:       cfg.PingPeriod,
		JoinRateLimit:    cfg.JoinRateLimit,
		JoinRateInterval: cfg.JoinRateInterval,
	})
	reporter := monitor.NewReporter(engine, o.Fanout, cfg.Media.StatsInterval, &log.Logger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(ctx, cfg, o, ctrl),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.Run(gctx) })
	g.Go(func() error { return o.Fanout.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Huddle server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return watchEngine(gctx, engine.Died(), cfg.Media.FatalExitDelay) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}

// watchEngine returns errEngineDied delay after the engine reports a fatal
// failure, or nil once ctx is done.
func watchEngine(ctx context.Context, died <-chan error, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-died:
		log.Error().Err(err).Dur("exit_delay", delay).Msg("media engine died, exiting")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		return fmt.Errorf("%w: %w", errEngineDied, err)
	}
}

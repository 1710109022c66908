package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tavern-games/roomlink/relay/memory"
	"github.com/tavern-games/roomlink/server"
)

const (
	releaseVersion = "0.1.0"
)

type config struct {
	listenAddr string
	logLevel   string
}

func newCmd(cfg *config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ROOMLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "relayd",
		Short:         "Development relay daemon for roomlink clients.",
		Args:          cobra.ExactArgs(0),
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.listenAddr, "listen-addr", "a", ":8888", "relay listen address (env: ROOMLINK_LISTEN_ADDR)")
	fs.StringVarP(&cfg.logLevel, "log-level", "l", "debug", "log level (env: ROOMLINK_LOG_LEVEL)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, v.GetString(f.Name))
		}
	})

	cmd.SetVersionTemplate("relayd v{{.Version}}\n")
	return cmd
}

func run(ctx context.Context, cfg *config) error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(cfg.logLevel)
	if err != nil {
		return err
	}
	logger = logger.Level(lvl)

	hub := memory.NewHub(&logger)
	defer hub.Close()

	srv := server.NewServer(server.Config{
		Logger:     &logger,
		Hub:        hub,
		ListenAddr: cfg.listenAddr,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go srv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
		err = nil
	}
	cancel()
	wg.Wait()
	return err
}

func main() {
	cfg := &config{}
	if err := newCmd(cfg).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// Command tinywebd runs a tinyweb server with a small built-in site: a
// landing page, a JSON status resource and an optional static directory.
// Configuration comes from flags, TINYWEB_* environment variables or a
// config file, in that order of precedence.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jej/tinyweb"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "tinywebd",
		Short:         "HTTP/1.0 server engine for constrained devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("profile", string(tinyweb.ProfileTiny), "device profile: tiny, small or standard")
	flags.Int("concurrency", 0, "simultaneous connection limit (0 = profile default)")
	flags.Int("backlog", 0, "listen backlog, must exceed concurrency (0 = profile default)")
	flags.Duration("read-timeout", tinyweb.DefaultReadTimeout, "request-line and header read deadline")
	flags.Bool("debug", false, "per-request logging and diagnostic error bodies")
	flags.String("static-root", "", "directory served under /static/ (empty disables)")
	flags.Int("static-max-age", 300, "Cache-Control max-age for static files, 0 disables caching")
	flags.String("config", "", "optional config file (yaml, toml or json)")

	cobra.CheckErr(v.BindPFlags(flags))
	v.SetEnvPrefix("TINYWEB")
	v.AutomaticEnv()

	return cmd
}

type statusResource struct {
	startedAt time.Time
}

func (sr *statusResource) Get(req *tinyweb.Request, resp *tinyweb.Response, args ...any) error {
	return resp.SendJSON(map[string]any{
		"uptime_s": int(time.Since(sr.startedAt).Seconds()),
		"profile":  args[0],
	})
}

func run(ctx context.Context, v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}

	level := zerolog.InfoLevel
	if v.GetBool("debug") {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	profile := tinyweb.Profile(v.GetString("profile"))
	router := tinyweb.NewRouter()

	if _, err := router.AddRoute("/", func(req *tinyweb.Request, resp *tinyweb.Response) error {
		return resp.SendHTML("<html><body><h1>tinywebd</h1><p>See <a href=\"/api/status\">/api/status</a>.</p></body></html>")
	}, tinyweb.RouteOptions{}); err != nil {
		return err
	}

	if err := router.AddResource(&statusResource{startedAt: time.Now()}, "/api/status", string(profile)); err != nil {
		return err
	}

	if root := v.GetString("static-root"); root != "" {
		maxAge := v.GetInt("static-max-age")
		if _, err := router.AddRoute("/static/<name>", func(req *tinyweb.Request, resp *tinyweb.Response) error {
			// Captures span one segment, so the name can't contain
			// a path separator.
			return resp.SendFile(root+"/"+req.Params["name"], maxAge)
		}, tinyweb.RouteOptions{SaveHeaders: []string{"Accept-Encoding"}}); err != nil {
			return err
		}
	}

	srv := &tinyweb.Server{
		Router:      router,
		Profile:     profile,
		Concurrency: v.GetInt("concurrency"),
		Backlog:     v.GetInt("backlog"),
		ReadTimeout: v.GetDuration("read-timeout"),
		Debug:       v.GetBool("debug"),
		Logger:      &logger,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := v.GetString("addr")
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(addr) }()
	logger.Info().Str("addr", addr).Str("profile", string(profile)).Msg("listening")

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
		return err
	}
	logger.Info().Msg("stopped")
	return <-serveErr
}

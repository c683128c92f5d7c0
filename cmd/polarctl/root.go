package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/gopolar/pkg/config"
	"github.com/mihaimyh/gopolar/pkg/polar"
	"github.com/mihaimyh/gopolar/pkg/polar/client"
	polarzerolog "github.com/mihaimyh/gopolar/pkg/polar/logger/zerolog"
)

// deps are the collaborators commands build on. Tests replace them.
type deps struct {
	newAPI func(cfg *config.Config, logger polar.Logger) (polar.API, error)
	now    func() time.Time
}

func defaultDeps() deps {
	return deps{
		newAPI: func(cfg *config.Config, logger polar.Logger) (polar.API, error) {
			return client.New(client.Config{
				AccessToken: cfg.PolarAccessToken,
				Server:      cfg.PolarServer,
				Logger:      logger,
			})
		},
		now: time.Now,
	}
}

// app carries state shared by subcommands once flags are parsed.
type app struct {
	deps
	envFiles []string
	logLevel string

	cfg    *config.Config
	logger polar.Logger
}

func newRootCommand(d deps) *cobra.Command {
	a := &app{deps: d}

	root := &cobra.Command{
		Use:           "polarctl",
		Short:         "polarctl - Polar billing toolbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.cfg = config.Load(a.envFiles...)
			level := a.logLevel
			if level == "" {
				level = a.cfg.LogLevel
			}
			lvl, err := zerolog.ParseLevel(strings.ToLower(level))
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", level, err)
			}
			zl := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), NoColor: true}).
				Level(lvl).With().Timestamp().Logger()
			a.logger = polarzerolog.NewLogger(zl)
			return nil
		},
	}

	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (default from LOG_LEVEL)")

	root.AddCommand(newProductsCommand(a), newWebhookCommand(a))
	return root
}

func (a *app) api() (polar.API, error) {
	if a.cfg.PolarAccessToken == "" {
		return nil, fmt.Errorf("POLAR_ACCESS_TOKEN is not set")
	}
	return a.newAPI(a.cfg, a.logger)
}

func stdinOrFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

package main

//	@title						fremen API
//	@version					0.1.0
//	@description				Periodic presence models and predictions for network devices.
//	@BasePath					/api/v1
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				API token. Format: "Bearer {token}"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/HerbHall/fremen/internal/auth"
	"github.com/HerbHall/fremen/internal/config"
	"github.com/HerbHall/fremen/internal/event"
	"github.com/HerbHall/fremen/internal/presence"
	"github.com/HerbHall/fremen/internal/probe"
	"github.com/HerbHall/fremen/internal/registry"
	"github.com/HerbHall/fremen/internal/server"
	"github.com/HerbHall/fremen/internal/store"
	"github.com/HerbHall/fremen/internal/version"
	"github.com/HerbHall/fremen/internal/ws"
	"github.com/HerbHall/fremen/pkg/plugin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println(version.Info())
			return
		case "token":
			if err := runToken(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "token: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	// Load configuration before the logger so log level/format can be configured.
	viperCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := serve(viperCfg, logger); err != nil {
		logger.Error("fremen exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func serve(viperCfg *viper.Viper, logger *zap.Logger) error {
	logger.Info("fremen starting", zap.String("version", version.Short()))
	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}
	cfg := config.New(viperCfg)

	// Unmarshal from the root so FREMEN_SERVER_* overrides apply per key.
	var root struct {
		Server server.Config `mapstructure:"server"`
	}
	if err := viperCfg.Unmarshal(&root); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	srvCfg := root.Server
	if err := srvCfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPath := viperCfg.GetString("database.path")
	db, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		return fmt.Errorf("database %s: %w", dbPath, err)
	}
	logger.Info("database initialized", zap.String("component", "database"), zap.String("path", dbPath))

	bus := event.NewBus(logger.Named("event"))

	// Compile-time composition.
	reg := registry.New(logger.Named("registry"))
	for _, m := range []plugin.Plugin{presence.New(), probe.New()} {
		if err := reg.Register(m); err != nil {
			return fmt.Errorf("register plugin: %w", err)
		}
	}
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("plugin validation: %w", err)
	}

	if err := reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Store:   db,
			Bus:     bus,
			Plugins: reg,
		}
	}); err != nil {
		return fmt.Errorf("initialize plugins: %w", err)
	}
	if err := reg.StartAll(ctx); err != nil {
		return fmt.Errorf("start plugins: %w", err)
	}

	tokens, err := tokenService(viperCfg)
	var authMW server.Middleware
	switch {
	case errors.Is(err, auth.ErrEmptySecret):
		logger.Warn("auth.secret not set; API is unauthenticated", zap.String("component", "auth"))
	case err != nil:
		return err
	default:
		authMW = auth.Middleware(tokens)
		logger.Info("bearer token auth enabled", zap.String("component", "auth"))
	}

	wsHandler := ws.NewHandler(bus, srvCfg.WSOrigins, logger.Named("ws"))
	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return db.DB().PingContext(ctx)
	})
	srv := server.New(srvCfg, reg, logger, readyCheck, authMW, wsHandler)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("fremen ready", zap.String("addr", srvCfg.Addr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case serveErr = <-errCh:
		logger.Error("server stopped unexpectedly", zap.Error(serveErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
	defer shutdownCancel()

	// Close streams first so Shutdown does not wait on hijacked connections.
	wsHandler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	reg.StopAll(shutdownCtx)

	logger.Info("fremen stopped")
	return serveErr
}

func tokenService(v *viper.Viper) (*auth.TokenService, error) {
	return auth.NewTokenService([]byte(v.GetString("auth.secret")), v.GetDuration("auth.token_ttl"))
}

// runToken prints a signed API token for the configured secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file")
	subject := fs.String("subject", "", "token subject, e.g. a client name")
	scope := fs.String("scope", "", "optional scope claim")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-subject is required")
	}

	v, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	tokens, err := tokenService(v)
	if err != nil {
		return fmt.Errorf("%w (set auth.secret or FREMEN_AUTH_SECRET)", err)
	}
	signed, err := tokens.Issue(*subject, *scope)
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}

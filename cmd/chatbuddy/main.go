package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/chatbuddy/chatbuddy/pkg/auth"
	"github.com/chatbuddy/chatbuddy/pkg/config"
	"github.com/chatbuddy/chatbuddy/pkg/llm"
	"github.com/chatbuddy/chatbuddy/pkg/repository"
	"github.com/chatbuddy/chatbuddy/pkg/scheduler"
	"github.com/chatbuddy/chatbuddy/pkg/secrets"
	engine "github.com/chatbuddy/chatbuddy/pkg/sync"
	"github.com/chatbuddy/chatbuddy/server"
)

// Opts with all CLI options
type Opts struct {
	Config string `short:"c" long:"config" env:"CONFIG" default:"config.yml" description:"config file path"`

	// Common options
	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Printf("[ERROR] failed to load config: %v", err)
		os.Exit(1)
	}

	setupLog(opts.Debug, collectSecrets(cfg)...)

	log.Printf("[INFO] starting chatbuddy version %s", revision)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// handle termination signals
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Print("[INFO] termination signal received")
		cancel()
	}()

	if err := run(ctx, cfg, opts.Debug); err != nil {
		log.Printf("[ERROR] chatbuddy failed: %v", err)
		os.Exit(1)
	}

	log.Print("[INFO] shutdown complete")
}

// run wires the application together and blocks until ctx is cancelled
func run(ctx context.Context, cfg *config.Config, debug bool) error {
	repos, err := repository.NewRepositories(ctx, repository.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer func() {
		if err := repos.Close(); err != nil {
			log.Printf("[WARN] failed to close database: %v", err)
		}
	}()

	authSvc, err := auth.NewService(auth.Config{
		Secret:     cfg.Auth.Secret,
		TokenTTL:   cfg.Auth.TokenTTL,
		BcryptCost: cfg.Auth.BcryptCost,
	})
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	box, err := secrets.NewBox([]byte(cfg.Auth.Secret))
	if err != nil {
		return fmt.Errorf("init key box: %w", err)
	}

	registry := engine.NewRegistry(engine.RegistryConfig{
		Remote:   repos.Settings,
		Feed:     repos.Feed,
		Decrypt:  box.Open,
		CacheDir: cfg.Sync.CacheDir,
		Debounce: cfg.Sync.Debounce,
		AutoSync: !cfg.Sync.NoAuto,
	})
	defer registry.Shutdown()

	cleaner := scheduler.NewCleaner(repos.User, repos.Settings, repos.Chat, scheduler.Config{
		Interval:    cfg.Retention.Interval,
		DefaultDays: cfg.Retention.DefaultDays,
		MaxWorkers:  cfg.Retention.MaxWorkers,
	})
	cleaner.Start(ctx)
	defer cleaner.Stop()

	srv := server.New(server.Deps{
		Config:    cfg,
		Users:     repos.User,
		Chats:     repos.Chat,
		Sessions:  registry,
		Auth:      authSvc,
		Keys:      box,
		Providers: llm.NewRegistry(cfg.GetProviders()),
		Cleaner:   cleaner,
		Version:   revision,
		Debug:     debug,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

// collectSecrets gathers values that must never appear in logs
func collectSecrets(cfg *config.Config) []string {
	secs := []string{cfg.Auth.Secret}
	for _, p := range cfg.GetProviders() {
		if p.APIKey != "" {
			secs = append(secs, p.APIKey)
		}
	}
	return secs
}

func setupLog(dbg bool, secs ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))
	if len(secs) > 0 {
		logOpts = append(logOpts, lgr.Secret(secs...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowdeck/flowdeck/internal/config"
	"github.com/flowdeck/flowdeck/internal/engine"
	"github.com/flowdeck/flowdeck/internal/runlog"
	"github.com/flowdeck/flowdeck/internal/server"
	"github.com/flowdeck/flowdeck/internal/store"
	"github.com/flowdeck/flowdeck/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	fmt.Println(version.Get())

	cfg := &config.Config{}
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else {
		loaded, err := config.Parse(nil)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	tick, err := cfg.TickInterval()
	if err != nil {
		return err
	}

	db, err := store.Open(store.Options{
		Driver:  cfg.Storage.Driver,
		DataDir: cfg.Storage.DataDir,
		DSN:     cfg.Storage.DSN,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	var logs runlog.Buffer
	if cfg.Redis.Addr != "" {
		logs, err = runlog.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		log.Printf("flowdeck: run logs backed by redis at %s", cfg.Redis.Addr)
	} else {
		logs = runlog.NewMemory()
	}

	eng, err := engine.New(engine.Options{
		DefinitionsDir: cfg.Definitions.Dir,
		BaseURL:        cfg.Server.BaseURL,
		Tick:           tick,
		Workers:        cfg.Executor.Workers,
		DB:             db,
		Logs:           logs,
	})
	if err != nil {
		return err
	}

	eng.Start()
	defer eng.Shutdown()

	srv := server.New(cfg.Server.Addr, eng, cfg.OAuth.Providers)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("flowdeck: received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

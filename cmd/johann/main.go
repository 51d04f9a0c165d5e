// Command johann is the orchestration binary, mode-switched from the
// environment: as conductor it loads scores, coordinates runs, and serves
// the HTTP API; as player it consumes one host's dispatch queue with an
// autoscaling worker pool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johann-project/johann-go/internal/api"
	"github.com/johann-project/johann-go/internal/broker"
	"github.com/johann-project/johann-go/internal/conductor"
	"github.com/johann-project/johann-go/internal/config"
	"github.com/johann-project/johann-go/internal/player"
	"github.com/johann-project/johann-go/internal/score"
	"github.com/johann-project/johann-go/internal/store"
	"github.com/johann-project/johann-go/internal/tasks"
)

func main() {
	logger := log.New(os.Stdout, "[Johann] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := openBroker(ctx, cfg)
	if err != nil {
		logger.Fatalf("broker: %v", err)
	}
	defer queue.Close()

	reg := tasks.NewRegistry()
	tasks.RegisterCore(reg)

	switch cfg.Mode {
	case config.ModePlayer:
		err = runPlayer(ctx, cfg, queue, reg, logger)
	default:
		err = runConductor(ctx, cfg, queue, reg, logger)
	}
	if err != nil && ctx.Err() == nil {
		logger.Fatalf("%s: %v", cfg.Mode, err)
	}
}

func openBroker(ctx context.Context, cfg *config.Config) (broker.Queue, error) {
	if cfg.SkipRedis {
		return broker.NewMemoryQueue(), nil
	}
	return broker.NewRedisQueue(ctx, broker.RedisOptions{
		Addr: cfg.RedisAddr(),
		DB:   cfg.RedisDB,
	})
}

func runPlayer(ctx context.Context, cfg *config.Config, queue broker.Queue, reg *tasks.Registry, logger *log.Logger) error {
	logger.Printf("player starting on queue %q", cfg.QueueID)
	pool := player.NewPool(cfg.QueueID, queue, reg, cfg.WorkersMin, cfg.WorkersMax)
	err := pool.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runConductor(ctx context.Context, cfg *config.Config, queue broker.Queue, reg *tasks.Registry, logger *log.Logger) error {
	scores := score.NewRegistry()
	loaded, errs := score.LoadDir(cfg.ScoresDir, scores)
	for file, err := range errs {
		logger.Printf("skipping score file %s: %v", file, err)
	}
	logger.Printf("loaded %d scores from %s: %v", len(loaded), cfg.ScoresDir, loaded)

	hosts := score.NewHosts()
	if cfg.HostsFile != "" {
		if err := loadHostsFile(cfg.HostsFile, hosts); err != nil {
			return err
		}
		logger.Printf("registered hosts: %v", hosts.Names())
	}
	// every host a loaded score names is implicitly part of the orchestra
	for _, name := range scores.Names() {
		s, _ := scores.Get(name)
		for _, p := range s.Players {
			for _, h := range p.Hostnames {
				if !hosts.Has(h) {
					hosts.Put(score.Host{Name: h, Image: p.Image})
				}
			}
		}
	}

	db, err := store.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	cond := conductor.New(scores, hosts, queue, db, cfg.PollInterval)
	defer cond.Close()

	server := api.NewServer(cond, scores, hosts, reg, queue)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Printf("conductor listening on :%d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// loadHostsFile seeds the host registry from a JSON array of
// {"name": ..., "image": ...} objects.
func loadHostsFile(path string, hosts *score.Hosts) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read hosts file: %w", err)
	}
	var entries []score.Host
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse hosts file %s: %w", path, err)
	}
	for _, h := range entries {
		if h.Name == "" {
			return fmt.Errorf("hosts file %s: entry without a name", path)
		}
		hosts.Put(h)
	}
	return nil
}

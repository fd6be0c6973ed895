package main

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/torquehook/internal/config"
	"github.com/torquehook/internal/coordinator"
)

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	if err := applyOverrides(cfg, ":9000", "/tmp/t.db", "debug"); err != nil {
		t.Fatalf("applyOverrides failed: %v", err)
	}
	if cfg.Server.Listen != ":9000" || cfg.Database.Path != "/tmp/t.db" || cfg.Log.Level != "debug" {
		t.Errorf("Unexpected config %+v", cfg)
	}

	cfg = config.Default()
	if err := applyOverrides(cfg, "", "", ""); err != nil {
		t.Errorf("Expected defaults to stay valid, got %v", err)
	}
}

func TestApplyOverrides_InvalidLogLevel(t *testing.T) {
	cfg := config.Default()
	err := applyOverrides(cfg, "", "", "bogus")
	if err == nil {
		t.Fatal("Expected an error for --log-level bogus")
	}
	if !strings.Contains(err.Error(), "log.level") {
		t.Errorf("Expected the error to name log.level, got %v", err)
	}
}

func TestStartCoordinator_DeliversUntilStopped(t *testing.T) {
	coord := coordinator.New(slog.New(slog.NewTextHandler(io.Discard, nil)), 16)
	var mu sync.Mutex
	var got []string
	coord.Subscribe("test", func(u coordinator.Update) {
		mu.Lock()
		got = append(got, u.AccountID)
		mu.Unlock()
	})

	stop := startCoordinator(coord)
	coord.Publish(coordinator.Update{AccountID: "during-shutdown"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected the update to be delivered before stop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	coord.Publish(coordinator.Update{AccountID: "last"})
	stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[1] != "last" {
		t.Errorf("Expected both updates delivered by the time stop returns, got %v", got)
	}
}

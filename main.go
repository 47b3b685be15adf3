package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/havenssh/core/internal/bridge"
	"github.com/havenssh/core/internal/config"
	"github.com/havenssh/core/internal/handlers"
	"github.com/havenssh/core/internal/logging"
	"github.com/havenssh/core/internal/profile"
	"github.com/havenssh/core/internal/sessionstate"
	"github.com/havenssh/core/internal/supervisor"
	"github.com/havenssh/core/internal/transport"
	"github.com/havenssh/core/internal/transport/overlay"
	"github.com/havenssh/core/internal/transport/sshclient"
)

func main() {
	config.Load()
	cfg := config.Cfg

	logFile, err := logging.Open(cfg.LogPath)
	if err != nil {
		log.Printf("WARNING: file logging disabled: %v", err)
	} else {
		defer logFile.Close()
	}

	profiles, err := profile.Open(cfg.DatabasePath, cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Profile store init: %v", err)
	}
	defer profiles.Close()

	if cfg.ProfilesFile != "" {
		res, err := profiles.ImportFile(cfg.ProfilesFile)
		if err != nil {
			log.Printf("WARNING: profile import from %s failed: %v", cfg.ProfilesFile, err)
		} else {
			log.Printf("Imported profiles from %s (created=%d, updated=%d)", cfg.ProfilesFile, res.Created, res.Updated)
		}
	}

	factory := transport.NewFactory(map[transport.Kind]func() transport.Client{
		transport.KindSSH:     func() transport.Client { return sshclient.New() },
		transport.KindOverlay: func() transport.Client { return overlay.New() },
	})

	store := sessionstate.NewStore()
	sup := supervisor.New(store, factory, profiles, supervisor.Options{
		Policy: supervisor.Policy{
			MaxAttempts:  cfg.ReconnectMaxAttempts,
			InitialDelay: cfg.ReconnectInitialDelay,
			MaxDelay:     cfg.ReconnectMaxDelay,
		},
		Bridge: bridge.Options{
			ExitStatusWait: cfg.ExitStatusWait,
			DedupWindow:    cfg.InputDedupWindow,
			QueueSize:      cfg.WriteQueueSize,
		},
		TerminalType:      cfg.TerminalType,
		Cols:              cfg.TerminalCols,
		Rows:              cfg.TerminalRows,
		ConnectTimeout:    cfg.ConnectTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
	})
	log.Printf("Session supervisor initialized (reconnect attempts=%d, initial delay=%s, max delay=%s)",
		cfg.ReconnectMaxAttempts, cfg.ReconnectInitialDelay, cfg.ReconnectMaxDelay)

	api := &handlers.API{Sup: sup, Profiles: profiles, Log: logFile}
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Router(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	if n := sup.DisconnectAll(); n > 0 {
		log.Printf("Closed %d session(s)", n)
	}
	store.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/helmdesk/helmdesk-sync/internal/api"
	"github.com/helmdesk/helmdesk-sync/internal/config"
	"github.com/helmdesk/helmdesk-sync/internal/models"
	"github.com/helmdesk/helmdesk-sync/internal/pkg/logger"
	"github.com/helmdesk/helmdesk-sync/internal/realtime"
	"github.com/helmdesk/helmdesk-sync/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	log.Info("helmdesk syncd starting", "engine_url", cfg.EngineURL, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := api.New(cfg.EngineURL)
	client.Timeout = time.Duration(cfg.RequestTimeoutSec) * time.Second
	client.RetryMax = cfg.RestRetryMax

	notifs := store.NewNotificationQueue(cfg.NotificationCap)
	decisions := store.New(client, store.Options{
		PageSize:      cfg.PageSize,
		UndoTTL:       time.Duration(cfg.UndoTTLSec) * time.Second,
		Notifications: notifs,
		Logger:        logger.Component(log, "store"),
	})
	agents := store.NewAgentStatusStore()

	decisionEvents := realtime.NewDecisionEvents(decisions, logger.Component(log, "events.decisions"))
	agentEvents := realtime.NewAgentEvents(agents, notifs, logger.Component(log, "events.agents"))

	coordOpts := realtime.CoordinatorOptions{
		BaseURL: cfg.EngineURL,
		Dialer:  realtime.NewDialer(uuid.NewString()),
		Conn: realtime.Options{
			InitialBackoff: time.Duration(cfg.ReconnectInitialMs) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.ReconnectMaxSec) * time.Second,
			PingInterval:   time.Duration(cfg.PingIntervalSec) * time.Second,
			PongTimeout:    time.Duration(cfg.PongTimeoutSec) * time.Second,
			BufferCap:      cfg.SuspendBufferCap,
		},
		PollInterval: time.Duration(cfg.PollIntervalSec) * time.Second,
		Logger:       logger.Component(log, "realtime"),
	}

	var coordinator *realtime.Coordinator
	coordinator, err = realtime.NewCoordinator(coordOpts, realtime.CoordinatorCallbacks{
		OnDecisionEvent: decisionEvents.Handle,
		OnAgentEvent:    agentEvents.Handle,
		OnPollNeeded: func() {
			if err := decisions.Refresh(ctx); err != nil {
				log.Warn("poll refresh failed", "error", err)
			}
		},
		OnResyncNeeded: func() {
			if err := decisions.Refresh(ctx); err != nil {
				log.Warn("resync refresh failed", "error", err)
			}
			coordinator.ResyncDone()
		},
	})
	if err != nil {
		log.Error("failed to build coordinator", "error", err)
		os.Exit(1)
	}

	// Initial load before the push channels come up.
	if err := decisions.Load(ctx, store.Filter{}); err != nil {
		log.Warn("initial decision load failed, continuing degraded", "error", err)
	}
	if err := coordinator.Start(); err != nil {
		log.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if coordinator.ConnState().AllOnline() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ready")
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "degraded")
	})
	router.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		snapshot := struct {
			Channels      map[string]store.ChannelState `json:"channels"`
			Pending       []models.Decision             `json:"pending"`
			Agents        map[string]models.AgentStatus `json:"agents"`
			Notifications []models.Notification         `json:"notifications"`
		}{
			Channels:      channelsSnapshot(coordinator.ConnState()),
			Pending:       decisions.Pending(),
			Agents:        agents.Snapshot(),
			Notifications: notifs.List(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("serving health/metrics/state", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		coordinator.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("syncd exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("syncd stopped")
}

func channelsSnapshot(cs *store.ConnState) map[string]store.ChannelState {
	return map[string]store.ChannelState{
		models.ChannelDecisions: cs.Channel(models.ChannelDecisions),
		models.ChannelAgents:    cs.Channel(models.ChannelAgents),
	}
}

// Package main is the entry point for the Hive coordination server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/biginformatics/hive/internal/api"
	"github.com/biginformatics/hive/internal/broadcast"
	"github.com/biginformatics/hive/internal/buildinfo"
	"github.com/biginformatics/hive/internal/chat"
	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/config"
	"github.com/biginformatics/hive/internal/eventbus"
	"github.com/biginformatics/hive/internal/fetch"
	"github.com/biginformatics/hive/internal/identity"
	"github.com/biginformatics/hive/internal/mailbox"
	"github.com/biginformatics/hive/internal/notebook"
	"github.com/biginformatics/hive/internal/presence"
	"github.com/biginformatics/hive/internal/ratelimit"
	"github.com/biginformatics/hive/internal/recurring"
	"github.com/biginformatics/hive/internal/sse"
	"github.com/biginformatics/hive/internal/store"
	"github.com/biginformatics/hive/internal/swarm"
	"github.com/biginformatics/hive/internal/wake"
	"github.com/biginformatics/hive/internal/webhook"
	"github.com/biginformatics/hive/internal/workflow"

	_ "github.com/mattn/go-sqlite3"
)

// presenceIdleAfter is how long presence.Tracker holds an identity as
// "online" since its last touch before a sweep ages it out.
const presenceIdleAfter = 5 * time.Minute

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, warnings, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	if level, lerr := config.ParseLogLevel(cfg.LogLevel); lerr == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	logger.Info("starting Hive", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	if err := os.MkdirAll(cfg.Storage.AttachmentDir, 0o755); err != nil {
		logger.Error("create attachment dir", "path", cfg.Storage.AttachmentDir, "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Storage.AvatarDir, 0o755); err != nil {
		logger.Error("create avatar dir", "path", cfg.Storage.AvatarDir, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		logger.Error("open store", "path", cfg.Storage.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("store opened", "path", cfg.Storage.DBPath)

	clock := clockx.Real()

	auth, err := identity.New(st, cfg.Superuser, clock, logger)
	if err != nil {
		logger.Error("init identity", "error", err)
		os.Exit(1)
	}

	if err := reconcileSuperuser(st, cfg.Superuser); err != nil {
		logger.Error("reconcile superuser", "error", err)
		os.Exit(1)
	}
	logger.Info("superuser reconciled", "identity", cfg.Superuser.Name)

	bus := eventbus.New(logger)
	presenceTracker := presence.New(presenceIdleAfter)
	guard := fetch.NewGuard(cfg.Webhook.AllowedHosts)

	webhookDispatcher := webhook.New(st, cfg.Webhook, logger)
	mailboxSvc := mailbox.New(st, bus, webhookDispatcher, clock, logger)
	chatSvc := chat.New(st, bus, webhookDispatcher, clock, logger)
	swarmSvc := swarm.New(st, bus, clock, logger)
	workflowSvc := workflow.New(st, guard, clock, logger)
	broadcastSvc := broadcast.New(st, bus, cfg.Broadcast.AlertCooldown, clock, logger)
	wakeSvc := wake.New(st, presenceTracker, clock, logger)
	notebookHub := notebook.New(st, clock, logger)
	recurringSvc := recurring.New(st, swarmSvc, clock, logger)
	limiter := ratelimit.New(ratelimit.DefaultRules(), clock)

	wakeFunc := func(_ context.Context, ident string) (sse.WakePayload, error) {
		payload, err := wakeSvc.Get(ident, wake.Options{})
		if err != nil {
			return sse.WakePayload{}, err
		}
		return adaptWakePayload(payload), nil
	}
	sseGateway := sse.New(bus, presenceTracker, wakeFunc, logger)

	stop := make(chan struct{})
	defer close(stop)
	go presenceTracker.RunSweeper(time.Minute, stop)
	go recurringSvc.RunLoop(stop)
	go limiter.RunSweeper(time.Minute, stop)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Store:      st,
		Auth:       auth,
		Mailbox:    mailboxSvc,
		Chat:       chatSvc,
		Swarm:      swarmSvc,
		Workflow:   workflowSvc,
		Broadcast:  broadcastSvc,
		Webhook:    webhookDispatcher,
		Wake:       wakeSvc,
		Notebook:   notebookHub,
		SSEGateway: sseGateway,
		Presence:   presenceTracker,
		Recurring:  recurringSvc,
		Limiter:    limiter,
		Bus:        bus,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("Hive stopped")
}

// reconcileSuperuser upserts the bootstrap admin user row and mints its
// token if none exists yet, so the operator's env-configured credentials
// are always usable after a restart.
func reconcileSuperuser(st *store.Store, su config.SuperuserConfig) error {
	if err := st.UpsertUser(store.User{
		ID:          su.Name,
		DisplayName: su.DisplayName,
		IsAdmin:     true,
		IsAgent:     false,
	}); err != nil {
		return fmt.Errorf("upsert superuser: %w", err)
	}

	_, err := st.ActiveTokenForIdentity(su.Name)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return fmt.Errorf("lookup superuser token: %w", err)
	}

	if _, err := st.CreateToken(store.MailboxToken{
		Token:    su.Token,
		Identity: su.Name,
		Label:    "bootstrap",
	}); err != nil {
		return fmt.Errorf("create superuser token: %w", err)
	}
	return nil
}

// adaptWakePayload reshapes wake.Payload (the aggregator's internal,
// strongly-typed view) into sse.WakePayload (the wire shape the SSE
// gateway's wake_pulse frames carry).
func adaptWakePayload(p *wake.Payload) sse.WakePayload {
	items := make([]map[string]any, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, map[string]any{
			"source":    it.Source,
			"priority":  it.Priority,
			"text":      it.Text,
			"projectId": it.ProjectID,
			"messageId": it.MessageID,
			"taskId":    it.TaskID,
			"eventId":   it.EventID,
			"identity":  it.Identity,
		})
	}
	actions := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		actions = append(actions, a.SkillURL)
	}
	summary := ""
	if p.Summary != nil {
		summary = *p.Summary
	}
	return sse.WakePayload{
		Items:     items,
		Actions:   actions,
		Summary:   summary,
		Timestamp: p.Timestamp,
	}
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcastroa/whatsapp-api/config"
	"github.com/jcastroa/whatsapp-api/internal/apiserver"
	"github.com/jcastroa/whatsapp-api/internal/app"
	"github.com/jcastroa/whatsapp-api/internal/instance"
	"github.com/jcastroa/whatsapp-api/internal/relay"
	"github.com/jcastroa/whatsapp-api/internal/transport"
	"github.com/jcastroa/whatsapp-api/internal/webhook"
	"go.uber.org/zap"
)

var cfile = flag.String("c", "whatsapp-api.yml", "config file")

func main() {
	flag.Parse()
	cfg := config.LoadConfig(*cfile)

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	registry := instance.NewRegistry()
	creds := instance.NewCredentialStore(cfg.GetSessionDir())
	hooks := webhook.NewDispatcher(application.DB(), cfg.Webhook.MaxAttempts,
		time.Duration(cfg.Webhook.Timeout)*time.Second)
	connector := transport.NewWhatsmeowConnector()
	mgr := instance.NewManager(application, connector, registry, creds, hooks)
	rl := relay.New(application.DB(), registry, hooks)
	mgr.OnMessage(rl.HandleInbound)

	// Bring back every instance that was connected before the restart.
	if err := mgr.RestoreAll(context.Background()); err != nil {
		zap.L().Error("fleet restore failed", zap.Error(err))
	}

	application.StartBackgroundJobs()

	server := apiserver.NewServer(application, mgr, rl)
	go func() {
		if err := server.Start(); err != nil {
			zap.L().Fatal("api server stopped", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	zap.L().Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		zap.L().Warn("api server shutdown failed", zap.Error(err))
	}
	for _, id := range registry.ActiveIDs() {
		if h, ok := registry.Remove(id); ok {
			h.Session.Disconnect()
		}
	}
}

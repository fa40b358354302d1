package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/samber/do/v2"

	"github.com/liuscraft/vocistant/internal/config"
	"github.com/liuscraft/vocistant/internal/events"
	"github.com/liuscraft/vocistant/internal/history"
	"github.com/liuscraft/vocistant/internal/logging"
	"github.com/liuscraft/vocistant/internal/server"
	"github.com/liuscraft/vocistant/internal/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultPath, "config file path")
	flag.Parse()

	appConfig, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	// the LLM key may arrive later through update_llm_config
	if err := appConfig.ValidateKeys(true, false); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{
		Level:  appConfig.Logging.Level,
		Format: appConfig.Logging.Format,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logging.SetTraceID(logging.NewTraceID())

	logging.Infof("========================================")
	logging.Infof("        Vocistant Starting...           ")
	logging.Infof("========================================")

	injector := setupDI(appConfig)
	hub := do.MustInvoke[*events.Hub](injector)

	// 日志先接入 hub，/ws/logs 才能回放启动日志
	stopLogs := events.ForwardLogs(hub)

	var forwarder *events.NATSForwarder
	if url := strings.TrimSpace(appConfig.Events.NATSURL); url != "" {
		forwarder, err = events.ConnectNATS(hub, url, appConfig.Events.SubjectPrefix)
		if err != nil {
			logging.Warnf("NATS forwarding disabled: %v", err)
		}
	}

	logging.Infof("Initializing PortAudio...")
	if err := portaudio.Initialize(); err != nil {
		logging.Fatalf("Failed to initialize PortAudio: %v", err)
	}
	defer portaudio.Terminate()
	logging.Infof("PortAudio initialized successfully")

	store, err := do.Invoke[*history.Store](injector)
	if err != nil {
		logging.Fatalf("Failed to open history (%s): %v", appConfig.History.Backend, err)
	}
	logging.Infof("History ready (backend=%s, %d records)", appConfig.History.Backend, store.Len())

	sess, err := do.Invoke[*session.Session](injector)
	if err != nil {
		logging.Fatalf("Failed to create session: %v", err)
	}

	srv, err := do.Invoke[*server.Server](injector)
	if err != nil {
		logging.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		logging.Fatalf("Failed to start server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Infof("Received interrupt signal")
		cancel()
	}()

	logging.Infof("========================================")
	logging.Infof("   Vocistant is listening on %s", srv.Addr())
	logging.Infof("   Press Ctrl+C to stop.")
	logging.Infof("========================================")

	<-ctx.Done()

	logging.Infof("Vocistant shutting down...")

	// 关闭顺序：先断开客户端，再停会话，最后落盘和释放 hub
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnf("Server shutdown: %v", err)
	}
	if err := sess.Stop(); err != nil {
		logging.Warnf("Session stop: %v", err)
	}
	if err := store.Close(); err != nil {
		logging.Warnf("History close: %v", err)
	}
	if forwarder != nil {
		forwarder.Close()
	}
	stopLogs()
	hub.Close()

	logging.Infof("Vocistant stopped.")
}

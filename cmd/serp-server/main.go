// Command serp-server runs the SERP relay hub. It supports three
// subcommands: "run" (foreground), "start" (detach into the background and
// record a PID file), and "stop" (signal a previously started daemon).
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/serphub/serp-relay/internal/admin"
	"github.com/serphub/serp-relay/internal/config"
	"github.com/serphub/serp-relay/internal/daemon"
	"github.com/serphub/serp-relay/internal/hub"
	"github.com/serphub/serp-relay/internal/relaylog"
)

const logDir = "logs"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runForeground()
	case "start":
		start()
	case "stop", "terminate":
		stop()
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s {run|start|stop}\n", filepath.Base(os.Args[0]))
}

func pidFile() (*daemon.PIDFile, error) {
	return daemon.NewPIDFile(logDir)
}

func start() {
	f, err := pidFile()
	if err != nil {
		log.Fatalf("serp-server: %v", err)
	}
	if pid, running, err := f.Running(); err == nil && running {
		fmt.Printf("serp-server already running (pid %d)\n", pid)
		return
	}

	logPath := filepath.Join(logDir, "log.txt")
	if err := daemon.Detach([]string{"run"}, logPath, f); err != nil {
		log.Fatalf("serp-server: %v", err)
	}
	fmt.Println("serp-server started")
}

func stop() {
	f, err := pidFile()
	if err != nil {
		log.Fatalf("serp-server: %v", err)
	}
	if err := f.Stop(); err != nil {
		log.Fatalf("serp-server: %v", err)
	}
	fmt.Println("serp-server stopped")
}

func runForeground() {
	if logPath := os.Getenv("SERP_LOG_FILE"); logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("warning: failed to open log file %q: %v", logPath, err)
		} else {
			defer f.Close()
			relaylog.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}

	relaylog.Hub("starting serp-server")

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("serp-server: load config: %v", err)
	}
	c := cfg.Get()
	relaylog.Hub("config: serp_port=%d admin_port=%d reject_duplicate_addr=%v max_connections=%d",
		c.SerpPort, c.AdminPort, c.RejectDuplicateAddr, c.MaxConnections)

	h := hub.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())

	var adminServer *http.Server
	if c.AdminEnabled {
		adminServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", c.AdminPort),
			Handler: admin.New(h).Handler(),
		}
		go func() {
			relaylog.Admin("listening on :%d", c.AdminPort)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				relaylog.Admin("server error: %v", err)
			}
		}()
	}

	go func() {
		if err := h.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("serp-server: hub.Serve: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	relaylog.Hub("shutdown signal received, stopping")
	cancel()

	if adminServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			relaylog.Admin("shutdown error: %v", err)
		}
	}

	relaylog.Hub("stopped")
}

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"execbot/internal/app"
	"execbot/internal/config"
	logx "execbot/pkg/logx"
)

func main() {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.StringVar(&envFile, "env", ".env", "optional env file with secrets")
	flag.Parse()

	// the configured logger only exists once the app is built
	boot := logx.NewConsole("INFO").With(logx.String("comp", "main"))

	if err := config.LoadEnvFiles(envFile); err != nil {
		boot.Error("env file load failed", logx.String("path", envFile), logx.Err(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		stopCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		done()
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason, code := app.StopSignal, 0
	select {
	case <-ctx.Done():
	case <-a.RestartRequested():
		// the service manager starts a fresh process
		reason = app.StopRestart
	case <-a.Done():
		if ctx.Err() != nil {
			break
		}
		reason, code = app.StopFatalError, 1
		if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
			boot.Error("stopped on fatal error", logx.Err(err))
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	_ = a.Stop(stopCtx, reason)
	done()
	os.Exit(code)
}

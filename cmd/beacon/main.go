package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"beacon/internal/app"
	"beacon/internal/config"
	"beacon/internal/httpapi"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
)

func main() {
	var (
		cfgPath  string
		envPath  string
		mode     string
		userID   int64
		userName string
		ttl      time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.StringVar(&envPath, "env", ".env", "dotenv file loaded before the config (missing is fine)")
	flag.StringVar(&mode, "mode", "server", "server | worker | token")
	flag.Int64Var(&userID, "user", 0, "token mode: operator user id")
	flag.StringVar(&userName, "name", "", "token mode: operator display name")
	flag.DurationVar(&ttl, "ttl", 12*time.Hour, "token mode: token lifetime (0 = no expiry)")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fatal("load env", err)
	}

	if strings.EqualFold(strings.TrimSpace(mode), "token") {
		if err := printToken(cfgPath, userID, userName, ttl); err != nil {
			fatal("token", err)
		}
		return
	}

	m, err := app.ParseMode(mode)
	if err != nil {
		fatal("flags", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	a, err := app.NewApp(cfgPath, m)
	if err != nil {
		fatal("init", err)
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		fatal("start", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	var reason app.StopReason
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	runErr := a.Err()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError && runErr != nil {
		fatal("run", runErr)
	}
}

func printToken(cfgPath string, userID int64, name string, ttl time.Duration) error {
	if userID <= 0 {
		return fmt.Errorf("-user is required")
	}
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	tok, err := httpapi.SignToken([]byte(strings.TrimSpace(cfg.HTTP.JWTSecret)), userID, name, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func fatal(stage string, err error) {
	fmt.Fprintf(os.Stderr, "fatal %s: %v\n", stage, err)
	os.Exit(1)
}

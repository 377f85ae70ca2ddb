package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pushclient/internal/app"
	"pushclient/internal/eventbus"
	logx "pushclient/pkg/logx"
	"pushclient/pkg/systemd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.Parse()

	a, err := app.New(cfgPath, app.Host{})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	log := a.Logger()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	}
	go func() {
		if err := systemd.RunWatchdog(ctx, a.Healthy, log); err != nil {
			log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
	}()
	go reportState(ctx, a, log)

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = app.ReasonFromSignal(sig)
	case <-a.Done():
		reason = app.StopFatalError
		log.Error("app stopped unexpectedly", logx.Err(a.Err()))
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	cancel()
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

// reportState mirrors connection changes and attention requests into the
// systemd status line.
func reportState(ctx context.Context, a *app.App, log logx.Logger) {
	events, unsub := a.Push().Subscribe(16, eventbus.KindConnState, eventbus.KindAttention)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var line string
			switch p := ev.Payload.(type) {
			case eventbus.ConnStateChanged:
				line = p.To.String()
			case eventbus.AttentionRequired:
				line = "attention: " + p.Reason
				log.Warn("attention required", logx.String("reason", p.Reason), logx.Err(p.Err))
			default:
				continue
			}
			if _, err := systemd.Status(line); err != nil {
				log.Debug("sd_notify status failed", logx.Err(err))
			}
		}
	}
}

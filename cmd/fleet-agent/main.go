// Command fleet-agent is the device-resident daemon: it registers with the
// control server, posts home on a tick, executes queued commands, keeps
// itself converged to its target release, and exposes a local control
// surface for fleetctl.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teton-ai/fleet/internal/agent/bouncer"
	"github.com/teton-ai/fleet/internal/agent/commander"
	"github.com/teton-ai/fleet/internal/agent/config"
	"github.com/teton-ai/fleet/internal/agent/downloader"
	"github.com/teton-ai/fleet/internal/agent/ipc"
	"github.com/teton-ai/fleet/internal/agent/magic"
	"github.com/teton-ai/fleet/internal/agent/netclient"
	"github.com/teton-ai/fleet/internal/agent/network"
	"github.com/teton-ai/fleet/internal/agent/police"
	"github.com/teton-ai/fleet/internal/agent/postman"
	"github.com/teton-ai/fleet/internal/agent/shutdown"
	"github.com/teton-ai/fleet/internal/agent/tunnel"
	"github.com/teton-ai/fleet/internal/agent/updater"
)

var version = "dev"

func main() {
	flags := config.Parse()

	if flags.ShowVersion {
		fmt.Printf("fleet-agent %s\n", version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if flags.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(log)

	coord := shutdown.New()
	ctx := coord.Context()

	if flags.MetricsEnable {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(flags.MetricsAddr, mux); err != nil {
				log.Error("metrics server exited", "error", err)
			}
		}()
	}

	magicStore, err := magic.New(ctx, log, flags.MagicFile)
	if err != nil {
		log.Error("failed to load magic file", "error", err)
		os.Exit(1)
	}

	b := bouncer.New(log, checksFrom(magicStore))
	if err := b.OK(ctx); err != nil {
		log.Error("startup health checks aborted", "error", err)
		os.Exit(1)
	}

	policeHandle := police.New(ctx, log)

	client := netclient.New()
	client.SetHostname(magicStore.GetServer())

	dl := downloader.New(log, magicStore.GetServer())
	tm := tunnel.New(log, noopDialer{})
	up := updater.New(log, magicStore, magicStore.GetServer())
	net := network.New()

	cmd := commander.New(log, up, dl, tm, net, magicStore.GetServer(), func() string {
		if t := magicStore.GetToken(); t != nil {
			return *t
		}
		return ""
	})

	pm := postman.New(log, client, magicStore, cmd, policeHandle)

	coord.Register()
	go func() { defer coord.Done(); cmd.Run(ctx) }()

	coord.Register()
	go func() { defer coord.Done(); tm.Run(ctx) }()

	coord.Register()
	go func() { defer coord.Done(); up.Run(ctx) }()

	coord.Register()
	go func() { defer coord.Done(); waitThenShutdownDownloader(ctx, dl) }()

	srv := ipc.New(log, up, dl, cmd, ipc.WithSockFile(flags.SockFile), ipc.WithBaseContext(ctx))
	coord.Register()
	go func() {
		defer coord.Done()
		if err := srv.ListenAndServeUnix(log); err != nil {
			log.Error("local ipc server exited", "error", err)
		}
	}()

	coord.Register()
	go func() { defer coord.Done(); pm.Run(ctx) }()

	log.Info("fleet-agent started", "version", version)
	coord.Wait()
}

func checksFrom(m magic.Handle) []bouncer.Check {
	checks := m.GetChecks()
	out := make([]bouncer.Check, 0, len(checks))
	for _, c := range checks {
		out = append(out, bouncer.Check{Name: c.Name, Cmd: c.Cmd})
	}
	return out
}

func waitThenShutdownDownloader(ctx context.Context, dl *downloader.Downloader) {
	dl.RequestShutdown(ctx)
}

// noopDialer is the default tunnel backend when no tunnel provider is
// configured; OpenTunnel commands fail closed (return 0) rather than the
// agent silently doing nothing.
type noopDialer struct{}

func (noopDialer) Open(ctx context.Context, server, secret string, localPort uint16) (uint16, error) {
	return 0, fmt.Errorf("tunnel: no dialer configured")
}

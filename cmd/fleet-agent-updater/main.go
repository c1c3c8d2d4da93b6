// Command fleet-agent-updater installs a new fleet-agent package while the
// running agent process is still alive, then exits. The agent spawns this
// process at the end of a convergence cycle instead of apt-installing
// itself, since replacing a running binary's file out from under it is
// unsafe on most init systems.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/lmittmann/tint"

	"github.com/teton-ai/fleet/internal/agent/magic"
)

const (
	agentPackage1 = "fleet-agent"
	agentPackage2 = "fleet-agent_amd64"
	packagesDir   = "./packages"
)

func main() {
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))

	ctx := context.Background()
	magicStore, err := magic.New(ctx, log, "")
	if err != nil {
		log.Error("failed to load magic file", "error", err)
		os.Exit(1)
	}

	var pkg *magic.ConfigPackage
	for _, p := range magicStore.GetPackages() {
		if p.Name == agentPackage1 || p.Name == agentPackage2 {
			p := p
			pkg = &p
			break
		}
	}
	if pkg == nil {
		log.Error("no agent package in manifest, nothing to do")
		os.Exit(1)
	}

	path := filepath.Join(packagesDir, pkg.File)
	if _, err := os.Stat(path); err != nil {
		log.Error("agent package missing on disk", "path", path, "error", err)
		os.Exit(1)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("apt install %s -y --allow-downgrades", path))
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Error("agent install failed", "error", err, "output", string(out))
		os.Exit(1)
	}

	log.Info("fleet-agent package installed, restarting service")
	if err := exec.CommandContext(ctx, "systemctl", "restart", "fleet-agent").Run(); err != nil {
		log.Error("failed to restart fleet-agent service", "error", err)
		os.Exit(1)
	}
}

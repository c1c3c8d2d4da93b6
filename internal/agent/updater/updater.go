// Package updater owns the release-convergence state machine: check for a
// newer manifest, download its packages, install them, and advance the
// agent's release_id once the fleet converges it there.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/teton-ai/fleet/internal/agent/filemanager"
	"github.com/teton-ai/fleet/internal/agent/magic"
)

const (
	convergenceTick = 60 * time.Second
	agentPackage1   = "fleet-agent"
	agentPackage2   = "fleet-agent_amd64"
	packagesDir     = "./packages"
)

// Status is the human-readable report surfaced over Local IPC.
type Status struct {
	LastUpdate  string
	LastUpgrade string
}

type lastResult struct {
	at  time.Time
	err error
	set bool
}

// Updater drives the convergence loop. Not an actor in the strict
// channel-owned sense (its state is private and only touched from its own
// goroutine), matching the teacher's `manager.go` reconciler.
type Updater struct {
	log        *slog.Logger
	magicStore magic.Handle
	httpClient *http.Client
	serverURL  string

	lastUpdate  lastResult
	lastUpgrade lastResult
}

func New(log *slog.Logger, magicStore magic.Handle, serverURL string) *Updater {
	return &Updater{
		log:        log,
		magicStore: magicStore,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		serverURL:  serverURL,
	}
}

// Run loops the 60s convergence tick until ctx is cancelled.
func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(convergenceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			u.checking(ctx)
		case <-ctx.Done():
			u.log.Info("updater shut down")
			return
		}
	}
}

func (u *Updater) checking(ctx context.Context) {
	releaseID := u.magicStore.GetReleaseID()
	targetID := u.magicStore.GetTargetReleaseID()

	if equalPtr(releaseID, targetID) {
		return
	}
	u.log.Info("upgrading", "release_id", deref(releaseID), "target_release_id", deref(targetID))

	if err := u.CheckForUpdates(ctx); err != nil {
		u.lastUpdate = lastResult{err: err, set: true}
		u.log.Error("check for updates failed", "error", err)
		return
	}
	u.lastUpdate = lastResult{at: time.Now(), set: true}

	if err := u.UpgradeDevice(ctx); err != nil {
		u.lastUpgrade = lastResult{err: err, set: true}
		u.log.Error("upgrade failed", "error", err)
		return
	}
	u.lastUpgrade = lastResult{at: time.Now(), set: true}

	u.magicStore.SetReleaseID(targetID)
}

// CheckForUpdates refreshes the local package catalog, fetches the target
// release's manifest, and downloads any package not already installed.
func (u *Updater) CheckForUpdates(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			u.lastUpdate = lastResult{err: err, set: true}
		} else {
			u.lastUpdate = lastResult{at: time.Now(), set: true}
		}
	}()

	if err := exec.CommandContext(ctx, "sh", "-c", "apt update -y").Run(); err != nil {
		u.log.Warn("apt update failed", "error", err)
	}

	targetID := u.magicStore.GetTargetReleaseID()
	if targetID == nil {
		return fmt.Errorf("updater: no target_release_id set")
	}

	manifest, err := u.fetchManifest(ctx, *targetID)
	if err != nil {
		return err
	}

	local := u.magicStore.GetPackages()
	localByName := make(map[string]magic.ConfigPackage, len(local))
	for _, p := range local {
		localByName[p.Name] = p
	}

	changed := false
	for _, pkg := range manifest {
		lp, known := localByName[pkg.Name]
		installed, _ := probeInstalledVersion(ctx, pkg.Name)
		if known && lp.Version == pkg.Version && installed == pkg.Version {
			continue
		}
		if err := u.downloadPackage(ctx, pkg); err != nil {
			return fmt.Errorf("updater: download %s: %w", pkg.Name, err)
		}
		changed = true
	}

	if changed {
		u.magicStore.SetPackages(manifest)
	}
	return nil
}

// UpgradeDevice installs every manifested package whose installed version
// does not match, deferring the agent's own package to the sidecar updater.
func (u *Updater) UpgradeDevice(ctx context.Context) error {
	if !u.lastUpdate.set || u.lastUpdate.err != nil {
		return fmt.Errorf("updater: refusing to upgrade without a successful check")
	}

	manifest := u.magicStore.GetPackages()
	for _, pkg := range manifest {
		path := filepath.Join(packagesDir, pkg.File)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("updater: manifest package missing on disk: %s", pkg.File)
		}
	}

	deferAgentUpgrade := false
	for _, pkg := range manifest {
		installed, _ := probeInstalledVersion(ctx, pkg.Name)
		if installed == pkg.Version {
			continue
		}
		if pkg.Name == agentPackage1 || pkg.Name == agentPackage2 {
			deferAgentUpgrade = true
			continue
		}
		path := filepath.Join(packagesDir, pkg.File)
		cmd := exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("apt install %s -y --allow-downgrades", path))
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("updater: install %s failed: %w (%s)", pkg.Name, err, out)
		}
	}

	if deferAgentUpgrade {
		if err := exec.CommandContext(ctx, "fleet-agent-updater").Start(); err != nil {
			return fmt.Errorf("updater: failed to spawn sidecar updater: %w", err)
		}
	}

	for _, pkg := range manifest {
		installed, _ := probeInstalledVersion(ctx, pkg.Name)
		if installed != pkg.Version && pkg.Name != agentPackage1 && pkg.Name != agentPackage2 {
			return fmt.Errorf("updater: %s still at %s after install, want %s", pkg.Name, installed, pkg.Version)
		}
	}
	return nil
}

func (u *Updater) fetchManifest(ctx context.Context, releaseID int64) ([]magic.ConfigPackage, error) {
	url := fmt.Sprintf("%s/releases/%d/packages", u.serverURL, releaseID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("updater: fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("updater: fetch manifest: status %d", resp.StatusCode)
	}

	var manifest []magic.ConfigPackage
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("updater: decode manifest: %w", err)
	}
	return manifest, nil
}

func (u *Updater) downloadPackage(ctx context.Context, pkg magic.ConfigPackage) error {
	if err := filemanager.EnsureDir(packagesDir); err != nil {
		return err
	}
	dest := filepath.Join(packagesDir, pkg.File)

	url := fmt.Sprintf("%s/package?name=%s", u.serverURL, pkg.File)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	written, err := io.Copy(f, resp.Body)
	f.Close()
	if err != nil {
		return err
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		os.Remove(tmp)
		return fmt.Errorf("size mismatch: got %d want %d", written, resp.ContentLength)
	}
	return os.Rename(tmp, dest)
}

// Report renders the human-readable status for the CLI / Local IPC.
func (u *Updater) Report() Status {
	return Status{
		LastUpdate:  formatResult(u.lastUpdate),
		LastUpgrade: formatResult(u.lastUpgrade),
	}
}

func formatResult(r lastResult) string {
	if !r.set {
		return "never"
	}
	if r.err != nil {
		return "error: " + r.err.Error()
	}
	d := time.Since(r.at)
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	case d >= time.Hour:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	case d >= time.Minute:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%d seconds ago", int(d.Seconds()))
	}
}

func probeInstalledVersion(ctx context.Context, name string) (string, error) {
	out, err := exec.CommandContext(ctx, "dpkg", "-l", name).Output()
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(out), "\n")
	if len(lines) < 6 {
		return "", fmt.Errorf("updater: unexpected dpkg -l output for %s", name)
	}
	fields := strings.Fields(lines[5])
	if len(fields) < 3 {
		return "", fmt.Errorf("updater: unexpected dpkg -l fields for %s", name)
	}
	return fields[2], nil
}

func equalPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref(a *int64) any {
	if a == nil {
		return nil
	}
	return *a
}


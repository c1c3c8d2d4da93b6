// Package network applies UpdateNetwork commands via nmcli, the one
// external collaborator Commander needs for wifi/ethernet/dongle
// reconfiguration.
package network

import (
	"context"
	"fmt"
	"time"

	"github.com/teton-ai/fleet/internal/agent/filemanager"
	"github.com/teton-ai/fleet/internal/wire"
)

const applyTimeout = 30 * time.Second

// NMCLI applies network configuration by shelling out to nmcli. It
// satisfies commander.Network.
type NMCLI struct{}

func New() NMCLI { return NMCLI{} }

func (NMCLI) Apply(ctx context.Context, cfg wire.NetworkConfig) (stdout, stderr string, err error) {
	var cmd string
	switch cfg.Type {
	case "wifi":
		hidden := ""
		if cfg.Hidden {
			hidden = "hidden yes"
		}
		cmd = fmt.Sprintf(
			"nmcli con delete id %q 2>/dev/null; nmcli con add type wifi con-name %q ssid %q %s && nmcli con modify %q wifi-sec.key-mgmt wpa-psk wifi-sec.psk %q && nmcli con up %q",
			cfg.Name, cfg.Name, cfg.SSID, hidden, cfg.Name, cfg.Password, cfg.Name,
		)
	case "ethernet":
		cmd = fmt.Sprintf("nmcli con delete id %q 2>/dev/null; nmcli con add type ethernet con-name %q && nmcli con up %q", cfg.Name, cfg.Name, cfg.Name)
	case "dongle":
		cmd = fmt.Sprintf("nmcli con delete id %q 2>/dev/null; nmcli con add type gsm con-name %q apn %q && nmcli con up %q", cfg.Name, cfg.Name, cfg.SSID, cfg.Name)
	default:
		return "", "", fmt.Errorf("network: unknown network_type %q", cfg.Type)
	}

	res := filemanager.RunGuarded(ctx, cmd, applyTimeout)
	if res.ExitCode != 0 {
		return res.Stdout, res.Stderr, fmt.Errorf("network: nmcli exited %d", res.ExitCode)
	}
	return res.Stdout, res.Stderr, nil
}

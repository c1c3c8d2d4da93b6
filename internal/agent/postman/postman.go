// Package postman owns the single HTTP relationship with the control
// server: registration, the 20s home-post tick, the 300s system-info tick,
// and the 401/unregistered recovery path. It is the only actor that talks
// to netclient.
package postman

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/teton-ai/fleet/internal/agent/commander"
	"github.com/teton-ai/fleet/internal/agent/magic"
	"github.com/teton-ai/fleet/internal/agent/netclient"
	"github.com/teton-ai/fleet/internal/agent/police"
	"github.com/teton-ai/fleet/internal/wire"
)

const (
	homeTick       = 20 * time.Second
	systemInfoTick = 300 * time.Second
)

// Postman drives the home-post loop. Not a channel actor in the strict
// sense: it owns no state other actors need to reach, so a single
// goroutine looping ticks is sufficient, matching the teacher's reconciler
// style in manager.go.
type Postman struct {
	log       *slog.Logger
	client    *netclient.Client
	magic     magic.Handle
	commander *commander.Commander
	police    police.Handle

	ticketID *uint32
}

func New(log *slog.Logger, client *netclient.Client, m magic.Handle, cmd *commander.Commander, pol police.Handle) *Postman {
	return &Postman{log: log, client: client, magic: m, commander: cmd, police: pol}
}

// Run seeds the synthetic startup responses, then loops the home and
// system-info ticks until ctx is cancelled.
func (p *Postman) Run(ctx context.Context) {
	p.log.Info("postman running")
	p.seedSyntheticResponses()

	home := time.NewTicker(homeTick)
	defer home.Stop()
	sysInfo := time.NewTicker(systemInfoTick)
	defer sysInfo.Stop()

	for {
		select {
		case <-home.C:
			p.pingHome(ctx)
		case <-sysInfo.C:
			p.queueSystemInfo()
		case <-ctx.Done():
			p.log.Info("postman shut down")
			return
		}
	}
}

// seedSyntheticResponses pre-populates the commander's result cache with
// the three agent-originated reports sent unconditionally on the first
// home post after startup: the device's environment variables, its system
// info, and its current network config.
func (p *Postman) seedSyntheticResponses() {
	p.commander.InsertResult([]wire.CommandResponse{
		{ID: wire.SyntheticGetVariables, Status: 0, Command: wire.CommandRx{Kind: wire.RxKindGetVariables}},
		{ID: wire.SyntheticSystemInfo, Status: 0, Command: wire.CommandRx{
			Kind:         wire.RxKindUpdateSystemInfo,
			UpdateSystem: &wire.UpdateSystemInfoRx{SystemInfo: commander.SystemInfoJSON()},
		}},
		{ID: wire.SyntheticGetNetwork, Status: 0, Command: wire.CommandRx{Kind: wire.RxKindGetNetwork}},
	})
}

func (p *Postman) queueSystemInfo() {
	p.commander.InsertResult([]wire.CommandResponse{
		{ID: wire.SyntheticSystemInfo, Status: 0, Command: wire.CommandRx{
			Kind:         wire.RxKindUpdateSystemInfo,
			UpdateSystem: &wire.UpdateSystemInfoRx{SystemInfo: commander.SystemInfoJSON()},
		}},
	})
}

// pingHome ensures the device is registered, then posts its queued command
// results and receives any newly queued commands in return. A 401 response
// is treated as "the server forgot us": the local token is erased and the
// device registers again on the next tick.
func (p *Postman) pingHome(ctx context.Context) {
	if err := p.ensureToken(ctx); err != nil {
		p.reportProblem(err)
		return
	}
	token := p.magic.GetToken()
	if token == nil {
		return
	}

	body := wire.HomePost{
		Timestamp: time.Duration(time.Now().Unix()),
		Responses: p.commander.GetResults(),
		ReleaseID: p.magic.GetReleaseID(),
	}

	resp, err := p.client.SendCompressedPost(ctx, *token, "/home", body)
	if err != nil {
		p.reportProblem(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		p.log.Warn("home post unauthorized, unregistering")
		p.unregisterDevice()
		p.reportProblem(errors.New("postman: unauthorized"))
		return
	}
	if resp.StatusCode != http.StatusOK {
		p.reportProblem(errors.New("postman: unexpected home status"))
		return
	}

	var out wire.HomePostResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		p.reportProblem(err)
		return
	}

	p.problemSolved()
	p.commander.ExecuteAPIBatch(out.Commands)
	if out.TargetReleaseID != nil {
		p.magic.SetTargetReleaseID(out.TargetReleaseID)
	}
}

// ensureToken returns nil if a token exists; otherwise it makes one
// registration attempt and returns its error.
func (p *Postman) ensureToken(ctx context.Context) error {
	if token := p.magic.GetToken(); token != nil {
		return nil
	}
	return p.registerDevice(ctx)
}

func (p *Postman) registerDevice(ctx context.Context) error {
	reg := wire.DeviceRegistration{
		SerialNumber: netclient.GetSerial(),
		WifiMAC:      netclient.GetMACWlan0(),
	}
	resp, err := p.client.SendCompressedPost(ctx, "", "/register", reg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New("postman: registration rejected")
	}

	var out wire.DeviceRegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	p.log.Info("device registered")
	p.magic.SetToken(out.Token)
	return nil
}

func (p *Postman) unregisterDevice() {
	p.magic.DeleteToken()
}

// reportProblem and problemSolved wire Postman's home-post health into
// Police's debounced reboot watchdog: a failing tick opens a ticket, a
// succeeding one closes it.
func (p *Postman) reportProblem(err error) {
	p.log.Warn("home post failed", "error", err)
	if p.ticketID == nil {
		p.ticketID = p.police.ReportProblemStarting()
	}
}

func (p *Postman) problemSolved() {
	if p.ticketID != nil {
		p.police.ReportProblemSolved(*p.ticketID)
		p.ticketID = nil
	}
}

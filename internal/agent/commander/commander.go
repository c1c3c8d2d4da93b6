// Package commander executes queued commands sequentially and caches their
// results until Postman drains them on the next home-post tick.
package commander

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/teton-ai/fleet/internal/agent/downloader"
	"github.com/teton-ai/fleet/internal/agent/filemanager"
	"github.com/teton-ai/fleet/internal/agent/tunnel"
	"github.com/teton-ai/fleet/internal/agent/updater"
	"github.com/teton-ai/fleet/internal/wire"
)

const defaultCommandTimeout = 60 * time.Second

type resultState int

const (
	stateQueued resultState = iota
	stateCompleted
)

type slot struct {
	state    resultState
	response wire.CommandResponse
}

type queueRequest struct {
	id              int64
	command         wire.CommandTx
	continueOnError bool
}

type queueResponseRequest struct {
	response wire.CommandResponse
}

type getResultsRequest struct {
	reply chan []wire.CommandResponse
}

// Commander pairs two goroutines, as in the original design: an Executor
// that dispatches commands strictly sequentially (so a slow FreeForm never
// blocks result delivery), and a State keeper that owns the results map and
// serializes all reads/writes to it. They communicate only by message;
// Postman talks only to the state keeper.
type Commander struct {
	log       *slog.Logger
	updater   *updater.Updater
	dl        *downloader.Downloader
	tunnels   *tunnel.Manager
	network   Network
	serverURL string
	token     func() string

	results map[int64]*slot
	execCh  chan queueRequest
	respCh  chan queueResponseRequest
	getCh   chan getResultsRequest

	toExecutor chan queueRequest
}

// Network is the narrow interface Commander needs for UpdateNetwork, kept
// separate so tests can substitute a fake without pulling in nmcli.
type Network interface {
	Apply(ctx context.Context, cfg wire.NetworkConfig) (stdout, stderr string, err error)
}

// New starts the Commander actor.
func New(log *slog.Logger, u *updater.Updater, dl *downloader.Downloader, tm *tunnel.Manager, net Network, serverURL string, token func() string) *Commander {
	c := &Commander{
		log:       log,
		updater:   u,
		dl:        dl,
		tunnels:   tm,
		network:   net,
		serverURL: serverURL,
		token:     token,
		results:    make(map[int64]*slot),
		execCh:     make(chan queueRequest, 64),
		respCh:     make(chan queueResponseRequest, 64),
		getCh:      make(chan getResultsRequest, 8),
		toExecutor: make(chan queueRequest, 64),
	}
	return c
}

// Run starts both the executor and the state keeper and blocks until ctx is
// cancelled and both have exited.
func (c *Commander) Run(ctx context.Context) {
	c.log.Info("commander running")
	completed := make(chan queueResponseRequest, 64)

	done := make(chan struct{})
	go func() {
		c.runExecutor(ctx, completed)
		close(done)
	}()

	c.runStateKeeper(ctx, completed)
	<-done
	c.log.Info("commander shut down")
}

// runExecutor dispatches commands strictly sequentially, one at a time, so
// per-device command ordering is preserved even though results are reported
// to a separate state keeper goroutine.
func (c *Commander) runExecutor(ctx context.Context, completed chan<- queueResponseRequest) {
	for {
		select {
		case req := <-c.toExecutor:
			resp := c.dispatch(ctx, req)
			if req.command.Kind == wire.KindStartOTA {
				continue // no response: the host reboots
			}
			select {
			case completed <- queueResponseRequest{response: resp}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// runStateKeeper owns the results map exclusively; it is the only goroutine
// that reads or writes it.
func (c *Commander) runStateKeeper(ctx context.Context, fromExecutor <-chan queueResponseRequest) {
	for {
		select {
		case req := <-c.execCh:
			c.results[req.id] = &slot{state: stateQueued}
			select {
			case c.toExecutor <- req:
			case <-ctx.Done():
				return
			}
		case req := <-fromExecutor:
			c.results[req.response.ID] = &slot{state: stateCompleted, response: req.response}
		case req := <-c.respCh:
			c.results[req.response.ID] = &slot{state: stateCompleted, response: req.response}
		case req := <-c.getCh:
			req.reply <- c.drainCompleted()
		case <-ctx.Done():
			return
		}
	}
}

// QueueCommand enqueues a command received from the server for execution.
func (c *Commander) QueueCommand(id int64, cmd wire.CommandTx, continueOnError bool) {
	c.execCh <- queueRequest{id: id, command: cmd, continueOnError: continueOnError}
}

// ExecuteAPIBatch queues every command in a home-post response.
func (c *Commander) ExecuteAPIBatch(cmds []wire.Command) {
	for _, cmd := range cmds {
		c.QueueCommand(cmd.ID, cmd.Command, cmd.ContinueOnError)
	}
}

// InsertResult injects an already-complete response (used by Postman for
// synthetic ids) without going through the executor.
func (c *Commander) InsertResult(responses []wire.CommandResponse) {
	for _, r := range responses {
		c.respCh <- queueResponseRequest{response: r}
	}
}

// GetResults drains completed responses, leaving queued entries untouched.
func (c *Commander) GetResults() []wire.CommandResponse {
	reply := make(chan []wire.CommandResponse, 1)
	c.getCh <- getResultsRequest{reply: reply}
	return <-reply
}

func (c *Commander) drainCompleted() []wire.CommandResponse {
	var out []wire.CommandResponse
	for id, s := range c.results {
		if s.state == stateCompleted {
			out = append(out, s.response)
			delete(c.results, id)
		}
	}
	return out
}

func (c *Commander) dispatch(ctx context.Context, req queueRequest) wire.CommandResponse {
	cmdCtx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
	defer cancel()

	switch req.command.Kind {
	case wire.KindPing:
		return wire.CommandResponse{ID: req.id, Status: 0, Command: wire.CommandRx{Kind: wire.RxKindPong}}

	case wire.KindRestart:
		res := filemanager.RunGuarded(cmdCtx, "shutdown -r +1", defaultCommandTimeout)
		return wire.CommandResponse{ID: req.id, Status: int32(res.ExitCode), Command: wire.CommandRx{
			Kind: wire.RxKindRestart, Restart: &wire.RestartRx{Message: res.Stdout},
		}}

	case wire.KindFreeForm:
		cmd := ""
		if req.command.FreeForm != nil {
			cmd = req.command.FreeForm.Cmd
		}
		res := filemanager.RunGuarded(cmdCtx, cmd, defaultCommandTimeout)
		return wire.CommandResponse{ID: req.id, Status: int32(res.ExitCode), Command: wire.CommandRx{
			Kind: wire.RxKindFreeForm, FreeForm: &wire.FreeFormRx{Stdout: res.Stdout, Stderr: res.Stderr},
		}}

	case wire.KindOpenTunnel:
		port := uint16(22)
		if req.command.OpenTunnel != nil && req.command.OpenTunnel.Port != nil {
			port = *req.command.OpenTunnel.Port
		}
		remote := c.tunnels.StartTunnel(cmdCtx, "", "", port)
		status := int32(0)
		if remote == 0 {
			status = -1
		}
		return wire.CommandResponse{ID: req.id, Status: status, Command: wire.CommandRx{
			Kind: wire.RxKindOpenTunnel, OpenTunnel: &wire.OpenTunnelRx{PortServer: remote},
		}}

	case wire.KindCloseTunnel:
		c.tunnels.CloseTunnel(22)
		return wire.CommandResponse{ID: req.id, Status: 0, Command: wire.CommandRx{Kind: wire.RxKindTunnelClosed}}

	case wire.KindUpdateVariables:
		vars := map[string]string{}
		if req.command.UpdateVars != nil {
			vars = req.command.UpdateVars.Variables
		}
		status := int32(0)
		if err := writeEnvironmentFile(vars); err != nil {
			c.log.Error("failed to write environment file", "error", err)
			status = -1
		}
		return wire.CommandResponse{ID: req.id, Status: status, Command: wire.CommandRx{Kind: wire.RxKindUpdateVariables}}

	case wire.KindUpdateNetwork:
		var cfg wire.NetworkConfig
		if req.command.UpdateNet != nil {
			cfg = req.command.UpdateNet.Network
		}
		stdout, stderr, err := c.network.Apply(cmdCtx, cfg)
		status := int32(0)
		if err != nil {
			status = -1
		}
		return wire.CommandResponse{ID: req.id, Status: status, Command: wire.CommandRx{
			Kind: wire.RxKindWifiConnect, WifiConnect: &wire.WifiConnectRx{Stdout: stdout, Stderr: stderr},
		}}

	case wire.KindUpgrade:
		status := int32(0)
		if err := c.updater.CheckForUpdates(cmdCtx); err != nil {
			status = -1
		} else if err := c.updater.UpgradeDevice(cmdCtx); err != nil {
			status = -1
		}
		return wire.CommandResponse{ID: req.id, Status: status, Command: wire.CommandRx{Kind: wire.RxKindUpgraded}}

	case wire.KindDownloadOTA:
		return c.handleDownloadOTA(cmdCtx, req)

	case wire.KindCheckOTAStatus:
		inFlight, state := c.dl.Status()
		if inFlight > 0 {
			state = downloader.StateDownloading
		}
		return wire.CommandResponse{ID: req.id, Status: 0, Command: wire.CommandRx{
			Kind: wire.RxKindCheckOTAStatus, CheckOTA: &wire.CheckOTAStatusRx{Status: state.String()},
		}}

	case wire.KindStartOTA:
		c.handleStartOTA(cmdCtx)
		return wire.CommandResponse{} // no response: host restarts

	default:
		c.log.Warn("dropping unknown command kind", "kind", req.command.Kind)
		return wire.CommandResponse{ID: req.id, Status: -1}
	}
}

func (c *Commander) handleDownloadOTA(ctx context.Context, req queueRequest) wire.CommandResponse {
	if req.command.DownloadOTA == nil {
		return wire.CommandResponse{ID: req.id, Status: -1}
	}
	dl := req.command.DownloadOTA
	if err := filemanager.EnsureDir("/ota"); err != nil {
		return wire.CommandResponse{ID: req.id, Status: -1}
	}
	if err := filemanager.EnsureDir("/otatool"); err != nil {
		return wire.CommandResponse{ID: req.id, Status: -1}
	}

	var written int64
	var elapsed time.Duration
	status := int32(0)

	toolsStatus, err := c.dl.Download(ctx, c.token(), dl.Tools, "/otatool/"+dl.Tools, dl.Rate)
	if err != nil {
		status = -1
	} else {
		written += toolsStatus.BytesWritten
		elapsed += toolsStatus.Elapsed
	}

	payloadStatus, err := c.dl.Download(ctx, c.token(), dl.Payload, "/ota/"+dl.Payload, dl.Rate)
	if err != nil {
		status = -1
	} else {
		written += payloadStatus.BytesWritten
		elapsed += payloadStatus.Elapsed
	}

	return wire.CommandResponse{ID: req.id, Status: status, Command: wire.CommandRx{
		Kind: wire.RxKindDownloadOTA, DownloadOTA: &wire.DownloadOTARx{
			BytesWritten: written, Elapsed: elapsed.Seconds(),
		},
	}}
}

func (c *Commander) handleStartOTA(ctx context.Context) {
	if err := filemanager.ExtractTarGz("/otatool/ota_tools.tbz2", "/otatool"); err != nil {
		c.log.Error("failed to extract ota tools", "error", err)
		return
	}
	res := filemanager.RunGuarded(ctx, "/otatool/upgrade.sh", 10*time.Minute)
	c.log.Info("ota upgrade script finished", "exit_code", res.ExitCode, "stdout", res.Stdout)
	if err := exec.CommandContext(ctx, "reboot", "now").Start(); err != nil {
		c.log.Error("failed to reboot after ota", "error", err)
	}
}

func writeEnvironmentFile(vars map[string]string) error {
	var buf []byte
	for k, v := range vars {
		buf = append(buf, []byte(fmt.Sprintf("%s=%s\n", k, v))...)
	}
	return filemanager.WriteFileAtomic("/root/.teton_environment", buf)
}

// SystemInfoJSON gathers a small structured blob of OS-reported system
// facts, used by Postman's synthetic UpdateSystemInfo tick.
func SystemInfoJSON() json.RawMessage {
	info := map[string]string{
		"boot_time": strconv.FormatInt(time.Now().Unix(), 10),
	}
	b, _ := json.Marshal(info)
	return b
}

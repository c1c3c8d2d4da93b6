// Package police implements the delayed-reboot watchdog. Other actors
// report problems starting and being solved; once enough time has passed
// since boot, an unresolved problem schedules a reboot five minutes out,
// cancelled if every reported problem clears before it fires.
package police

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	rebootDelay    = 5 * time.Minute
	disarmedWindow = 15 * time.Minute
)

type problemStartingRequest struct {
	reply chan *uint32
}

type problemSolvedRequest struct {
	id uint32
}

type actor struct {
	log   *slog.Logger
	clock clockwork.Clock

	shouldRestart bool
	restartTimer  clockwork.Timer
	restartCancel context.CancelFunc

	nextID   uint32
	problems []uint32

	starting chan problemStartingRequest
	solved   chan problemSolvedRequest
}

// Handle is the address other actors use to report problems to Police.
type Handle struct {
	starting chan problemStartingRequest
	solved   chan problemSolvedRequest
}

// Option configures the Police actor before it starts.
type Option func(*actor)

// WithClock overrides the clock, for tests that don't want to sleep 15
// minutes of wall-clock time to exercise the disarm window.
func WithClock(c clockwork.Clock) Option {
	return func(a *actor) { a.clock = c }
}

// New starts the Police actor and returns a handle to it. ctx cancellation
// stops the actor.
func New(ctx context.Context, log *slog.Logger, opts ...Option) Handle {
	a := &actor{
		log:      log,
		clock:    clockwork.NewRealClock(),
		starting: make(chan problemStartingRequest, 8),
		solved:   make(chan problemSolvedRequest, 8),
	}
	for _, o := range opts {
		o(a)
	}
	go a.run(ctx)
	return Handle{starting: a.starting, solved: a.solved}
}

func (a *actor) run(ctx context.Context) {
	a.log.Info("police running")
	disarm := a.clock.NewTimer(disarmedWindow)
	defer disarm.Stop()

	for {
		select {
		case req := <-a.starting:
			req.reply <- a.handleProblemStarting(ctx)
		case req := <-a.solved:
			a.handleProblemSolved(req.id)
		case <-disarm.Chan():
			a.log.Info("police disarm window elapsed, restarts now enabled")
			a.shouldRestart = true
		case <-ctx.Done():
			if a.restartCancel != nil {
				a.restartCancel()
			}
			a.log.Info("police shut down")
			return
		}
	}
}

func (a *actor) handleProblemStarting(ctx context.Context) *uint32 {
	if !a.shouldRestart {
		a.log.Warn("restart not to be scheduled yet")
		return nil
	}

	a.nextID++
	id := a.nextID
	a.problems = append(a.problems, id)

	if a.restartCancel == nil {
		restartCtx, cancel := context.WithCancel(ctx)
		a.restartCancel = cancel
		go a.scheduleRestart(restartCtx)
	} else {
		a.log.Warn("restart already scheduled")
	}

	return &id
}

func (a *actor) handleProblemSolved(id uint32) {
	kept := a.problems[:0]
	for _, p := range a.problems {
		if p != id {
			kept = append(kept, p)
		}
	}
	a.problems = kept

	if a.restartCancel != nil && len(a.problems) == 0 {
		a.log.Info("problem solved, restart aborted")
		a.restartCancel()
		a.restartCancel = nil
	}
}

func (a *actor) scheduleRestart(ctx context.Context) {
	a.log.Warn("restarting in 5 minutes")
	select {
	case <-a.clock.After(rebootDelay):
	case <-ctx.Done():
		return
	}
	a.log.Error("restarting now")
	if err := exec.CommandContext(ctx, "reboot", "now").Start(); err != nil {
		a.log.Error("failed to spawn reboot command", "error", err)
	}
}

// ReportProblemStarting registers a new problem ticket. Returns nil if
// Police is still within its post-boot disarm window.
func (h Handle) ReportProblemStarting() *uint32 {
	reply := make(chan *uint32, 1)
	h.starting <- problemStartingRequest{reply: reply}
	return <-reply
}

// ReportProblemSolved clears a problem ticket previously returned by
// ReportProblemStarting.
func (h Handle) ReportProblemSolved(id uint32) {
	h.solved <- problemSolvedRequest{id: id}
}

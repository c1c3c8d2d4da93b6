package magic

import (
	"context"
	"log/slog"
)

// store is the sole in-process owner of the on-disk Magic file. All reads
// and writes are serialized through its message loop; this is the
// synchronization point for the token/release-id invariants on the agent.
type store struct {
	log      *slog.Logger
	file     File
	path     string
	receiver chan request

	registered chan struct{}
	isRegistered bool
}

type request func(*store)

// Handle is the address other actors use to talk to the Magic store.
type Handle struct {
	send chan request
}

// New loads the magic file from the discovery path and starts its owning
// goroutine. If path is non-empty it is used verbatim; otherwise the usual
// discovery order applies.
func New(ctx context.Context, log *slog.Logger, path string) (Handle, error) {
	f, resolved, err := Load(path)
	if err != nil {
		return Handle{}, err
	}
	if resolved == "" {
		resolved = pathInEtc
	}

	s := &store{
		log:          log,
		file:         f,
		path:         resolved,
		receiver:     make(chan request, 32),
		registered:   make(chan struct{}),
		isRegistered: f.Meta.Token != nil,
	}
	if s.isRegistered {
		close(s.registered)
	}

	go s.run(ctx)

	return Handle{send: s.receiver}, nil
}

func (s *store) run(ctx context.Context) {
	s.log.Info("magic store running", "path", s.path)
	for {
		select {
		case req := <-s.receiver:
			req(s)
		case <-ctx.Done():
			s.log.Info("magic store shut down")
			return
		}
	}
}

func (s *store) persist() {
	if err := s.file.WriteTo(s.path); err != nil {
		s.log.Error("failed to persist magic file", "error", err)
	}
}

func (h Handle) do(fn func(*store)) {
	done := make(chan struct{})
	h.send <- func(s *store) {
		fn(s)
		close(done)
	}
	<-done
}

func (h Handle) GetServer() string {
	var out string
	h.do(func(s *store) { out = s.file.Meta.Server })
	return out
}

func (h Handle) GetToken() *string {
	var out *string
	h.do(func(s *store) { out = s.file.Meta.Token })
	return out
}

func (h Handle) SetToken(token string) {
	h.do(func(s *store) {
		s.file.Meta.Token = &token
		s.persist()
		if !s.isRegistered {
			s.isRegistered = true
			close(s.registered)
		}
	})
}

func (h Handle) DeleteToken() {
	h.do(func(s *store) {
		s.file.Meta.Token = nil
		s.persist()
	})
}

// WaitUntilRegistered blocks until a token has been set, or ctx is done.
func (h Handle) WaitUntilRegistered(ctx context.Context) error {
	var ch chan struct{}
	h.do(func(s *store) { ch = s.registered })
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h Handle) GetReleaseID() *int64 {
	var out *int64
	h.do(func(s *store) { out = s.file.Meta.ReleaseID })
	return out
}

func (h Handle) SetReleaseID(id *int64) {
	h.do(func(s *store) {
		s.file.Meta.ReleaseID = id
		s.persist()
	})
}

func (h Handle) GetTargetReleaseID() *int64 {
	var out *int64
	h.do(func(s *store) { out = s.file.Meta.TargetReleaseID })
	return out
}

func (h Handle) SetTargetReleaseID(id *int64) {
	h.do(func(s *store) {
		s.file.Meta.TargetReleaseID = id
		s.persist()
	})
}

func (h Handle) GetChecks() []ConfigCheck {
	var out []ConfigCheck
	h.do(func(s *store) { out = append([]ConfigCheck(nil), s.file.Checks...) })
	return out
}

func (h Handle) GetMetrics() []ConfigMetric {
	var out []ConfigMetric
	h.do(func(s *store) { out = append([]ConfigMetric(nil), s.file.Metrics...) })
	return out
}

func (h Handle) GetTunnel() ConfigTunnel {
	var out ConfigTunnel
	h.do(func(s *store) { out = s.file.TunnelDetails() })
	return out
}

func (h Handle) GetPackages() []ConfigPackage {
	var out []ConfigPackage
	h.do(func(s *store) { out = append([]ConfigPackage(nil), s.file.Packages...) })
	return out
}

func (h Handle) SetPackages(pkgs []ConfigPackage) {
	h.do(func(s *store) {
		s.file.Packages = pkgs
		s.persist()
	})
}

package sim

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/cory-johannsen/levelsim/internal/event"
	"github.com/cory-johannsen/levelsim/internal/navmesh"
	"github.com/cory-johannsen/levelsim/internal/observability"
)

// startNav launches a navmesh worker with a fresh builder under ctx.
func (s *Session) startNav(ctx context.Context) error {
	navLog := observability.WorkerLogger(s.logger, observability.WorkerNavmesh)
	builder, err := navmesh.NewBuilder(s.navParams, navLog)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithCancel(ctx)
	w := navmesh.NewWorker(builder, workerQueue, navLog)
	s.nav, s.navCancel = w, cancel
	s.group.Go(func() error { return quiet(w.Run(wctx)) })
	return nil
}

// requestNav submits a rebuild when any instance was added, removed or changed since the last
// request.
//
// Postcondition: On submission the version counter is bumped and PreRequestNav is published.
// A full worker inbox leaves navDirty set for retryNav.
func (s *Session) requestNav() {
	s.navDirty = false
	hashes := make(map[int]uint64)
	var changed []int
	for _, inst := range s.lvl.Instances() {
		hashes[inst.ID] = inst.Hash()
		if h, ok := s.seen[inst.ID]; !ok || h != inst.Hash() {
			changed = append(changed, inst.ID)
		}
	}
	for gm := range s.seen {
		if _, ok := hashes[gm]; !ok {
			changed = append(changed, gm)
		}
	}
	if len(changed) == 0 {
		s.logger.Debug("navmesh request skipped: geometry unchanged")
		return
	}
	sort.Ints(changed)

	in, err := navmesh.InputOf(s.lvl)
	if err != nil {
		s.logger.Warn("navmesh input rejected", zap.Error(err))
		s.bus.Publish(event.NavmeshFailed{Version: s.navVer, Reason: err.Error()})
		return
	}
	version := s.navVer + 1
	if !s.nav.TrySubmit(navmesh.RequestNav{Level: s.lvl.Key(), Version: version, Input: in}) {
		s.logger.Warn("navmesh worker busy, rebuild deferred", zap.Uint64("version", version))
		s.navDirty = true
		return
	}
	s.navVer = version
	s.seen = hashes
	s.status.NavRequests++
	s.bus.Publish(event.PreRequestNav{Version: version, Changed: changed})
}

// retryNav resubmits a rebuild that found the worker busy.
func (s *Session) retryNav() {
	if s.navDirty {
		s.requestNav()
	}
}

// onNavResult applies the newest build and drops anything older.
func (s *Session) onNavResult(res navmesh.Result) {
	if res.ResultVersion() != s.navVer {
		s.status.NavStale++
		s.logger.Debug("stale navmesh result discarded",
			zap.Uint64("version", res.ResultVersion()),
			zap.Uint64("latest", s.navVer),
		)
		return
	}
	switch r := res.(type) {
	case navmesh.BuildFailed:
		s.navFailed(r.Reason)
	case navmesh.NavMeshResponse:
		if r.Level != s.lvl.Key() {
			s.status.NavStale++
			s.logger.Debug("navmesh for another level discarded", zap.String("built", r.Level))
			return
		}
		mesh, err := navmesh.Unmarshal(r.Data)
		if err != nil {
			s.navFailed(err.Error())
			return
		}
		if !s.crowd.SetMesh(mesh) {
			s.status.NavStale++
			return
		}
		s.status.NavAccepted++
		s.logger.Info("navmesh active",
			zap.Uint64("version", r.Version),
			zap.Int("tiles", r.Stats.Tiles),
			zap.Int("reused", r.Stats.TilesReused),
			zap.Duration("elapsed", r.Elapsed),
		)
		if !s.isReady {
			s.isReady = true
			close(s.ready)
		}
		s.setupPhysics()
	}
}

// navFailed keeps the previous mesh and forgets the requested hashes so the next request retries.
func (s *Session) navFailed(reason string) {
	s.status.NavFailed++
	clear(s.seen)
	s.bus.Publish(event.NavmeshFailed{Version: s.navVer, Reason: reason})
}

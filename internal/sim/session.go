// Package sim hosts one running level: the crowd and door coordinator on the session goroutine,
// with the navmesh and physics workers supervised beside it.
package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/levelsim/internal/config"
	"github.com/cory-johannsen/levelsim/internal/crowd"
	"github.com/cory-johannsen/levelsim/internal/doors"
	"github.com/cory-johannsen/levelsim/internal/event"
	"github.com/cory-johannsen/levelsim/internal/level"
	"github.com/cory-johannsen/levelsim/internal/navmesh"
	"github.com/cory-johannsen/levelsim/internal/observability"
	"github.com/cory-johannsen/levelsim/internal/physics"
	"github.com/cory-johannsen/levelsim/internal/scripting"
)

// ErrNotRunning is returned by calls made after the session loop has exited.
var ErrNotRunning = errors.New("sim: session not running")

// workerQueue bounds each worker inbox and outbox.
const workerQueue = 16

// Session owns one level and every component simulating it.
//
// Invariant: crowd, coord and the nav bookkeeping are touched only by the goroutine in Run.
type Session struct {
	id     uuid.UUID
	cfg    config.Config
	logger *zap.Logger

	bus     *event.Bus
	access  *doors.AccessStore
	scripts *scripting.Manager
	crowd   *crowd.Layer
	coord   *doors.Coordinator
	// inbox carries the coordinator's inputs. It never drops, unlike observer subscriptions.
	inbox *event.Queue

	lvl       *level.Level
	navParams navmesh.Params
	nav       *navmesh.Worker
	navCancel context.CancelFunc
	navVer    uint64
	navDirty  bool
	seen      map[int]uint64

	phys        *physics.Worker
	physPending int
	physDirty   bool

	group   *errgroup.Group
	runCtx  context.Context
	cmds    chan func()
	done    chan struct{}
	ready   chan struct{}
	isReady bool
	status  Status
}

// Status counts what the session loop has done.
type Status struct {
	NavRequests   uint64
	NavAccepted   uint64
	NavStale      uint64
	NavFailed     uint64
	PhysicsSetups uint64
	PhysicsSteps  uint64
	PhysicsSkips  uint64
}

// Options supplies the optional collaborators of a Session.
type Options struct {
	// Access holds regex door grants. nil creates an empty store.
	Access *doors.AccessStore
	// Scripts decides door access ahead of Access and receives room hooks. May be nil.
	Scripts *scripting.Manager
}

// New creates a Session for lvl. Nothing runs until Run is called.
//
// Precondition: cfg must pass Validate; lvl and logger must not be nil.
func New(cfg config.Config, lvl *level.Level, opts Options, logger *zap.Logger) (*Session, error) {
	params := navmesh.Params{
		CellSize:    cfg.Navmesh.CellSize,
		CellHeight:  cfg.Navmesh.CellHeight,
		TileSize:    cfg.Navmesh.TileSize,
		DoorwayCost: cfg.Navmesh.DoorwayCost,
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("navmesh params: %w", err)
	}
	access := opts.Access
	if access == nil {
		access = doors.NewAccessStore()
	}

	id := uuid.New()
	logger = observability.SessionLogger(logger, id, lvl.Key())
	bus := event.NewBus(logger)

	s := &Session{
		id:        id,
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		access:    access,
		scripts:   opts.Scripts,
		lvl:       lvl,
		navParams: params,
		seen:      make(map[int]uint64),
		cmds:      make(chan func(), 64),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
	}
	s.crowd = crowd.NewLayer(cfg.Crowd, cfg.Navmesh.SnapTolerance, bus, observability.WorkerLogger(logger, observability.WorkerCrowd))
	s.coord = doors.NewCoordinator(lvl, bus, policyAuthorizer{grants: access, scripts: opts.Scripts}, s.crowd, doors.Options{
		CloseDelay:       cfg.Simulation.CloseDelay,
		RebuildBatchSize: cfg.Simulation.RebuildBatchSize,
	}, observability.WorkerLogger(logger, observability.WorkerDoors))
	kinds := append(append([]event.Kind(nil), doors.Consumes...), event.KindEnterRoom)
	s.inbox = bus.SubscribeQueue("session", kinds...)
	if s.scripts != nil {
		s.bindScripts()
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Bus returns the session's event bus.
func (s *Session) Bus() *event.Bus { return s.bus }

// Access returns the door grant store. It is safe for concurrent use.
func (s *Session) Access() *doors.AccessStore { return s.access }

// Ready is closed once the first navmesh is active.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Positions returns a snapshot of every agent. Safe from any goroutine.
func (s *Session) Positions() map[string]crowd.AgentState {
	return s.crowd.Positions()
}

// Run starts the workers and drives the session loop until ctx is cancelled or a worker fails.
//
// Precondition: Run is called at most once.
// Postcondition: Returns nil on cancellation.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.group, s.runCtx = g, gctx

	physLog := observability.WorkerLogger(s.logger, observability.WorkerPhysics)
	s.phys = physics.NewWorker(
		physics.NewWorld(s.cfg.Physics.AgentHalfHeight, s.cfg.Crowd.AgentRadius, physLog),
		workerQueue, physLog,
	)
	g.Go(func() error { return quiet(s.phys.Run(gctx)) })
	if err := s.startNav(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		defer close(s.done)
		return quiet(s.loop(gctx))
	})

	err := g.Wait()
	s.inbox.Unsubscribe()
	s.bus.Close()
	return err
}

// quiet maps cancellation to a clean exit.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Session) loop(ctx context.Context) error {
	tick := time.NewTicker(s.cfg.Simulation.TickInterval())
	defer tick.Stop()
	step := time.NewTicker(time.Second / time.Duration(s.cfg.Simulation.PhysicsRate))
	defer step.Stop()
	dt := s.cfg.Simulation.TickInterval().Seconds()

	s.requestNav()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.cmds:
			fn()
		case res := <-s.nav.Results():
			s.onNavResult(res)
		case res := <-s.phys.Results():
			s.onPhysics(res)
		case <-s.inbox.Ready():
		case now := <-tick.C:
			s.retryNav()
			s.crowd.Tick(dt)
			s.drain()
			s.coord.Tick(now)
		case <-step.C:
			s.sendPositions()
		}
		s.drain()
	}
}

// drain handles every queued event, including those published while handling.
func (s *Session) drain() {
	for evs := s.inbox.Drain(); len(evs) > 0; evs = s.inbox.Drain() {
		for _, e := range evs {
			s.dispatch(e)
		}
	}
}

func (s *Session) dispatch(e event.Event) {
	if ev, ok := e.(event.EnterRoom); ok {
		if s.scripts != nil {
			s.scripts.OnEnterRoom(ev.Agent, ev.Room.String())
		}
		return
	}
	s.coord.Handle(e)
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawn adds an agent at pos with the configured parameters.
//
// Postcondition: Returns crowd.ErrNoNavmesh before the first mesh is active.
func (s *Session) Spawn(ctx context.Context, key string, pos mgl64.Vec3) error {
	var err error
	if derr := s.do(ctx, func() {
		if _, err = s.crowd.AddAgent(key, pos, s.crowd.DefaultParams()); err != nil {
			return
		}
		s.sendPhysics(physics.AddBodies{Bodies: []physics.BodySpec{s.agentBody(key, pos)}})
	}); derr != nil {
		return derr
	}
	return err
}

// Despawn removes an agent.
func (s *Session) Despawn(ctx context.Context, key string) error {
	var err error
	if derr := s.do(ctx, func() {
		if err = s.crowd.RemoveAgent(key); err != nil {
			return
		}
		s.sendPhysics(physics.RemoveBodies{Keys: []string{key}})
	}); derr != nil {
		return derr
	}
	return err
}

// MoveTo requests a fire-and-forget move.
//
// Postcondition: Returns false when the target cannot be snapped onto the mesh.
func (s *Session) MoveTo(ctx context.Context, key string, target mgl64.Vec3) (bool, error) {
	var ok bool
	err := s.do(ctx, func() { ok = s.crowd.RequestMoveTo(key, target) })
	return ok, err
}

// Walk starts a tracked walk.
func (s *Session) Walk(ctx context.Context, key string, target mgl64.Vec3) (*crowd.Walk, error) {
	var w *crowd.Walk
	var err error
	if derr := s.do(ctx, func() { w, err = s.crowd.Walk(key, target) }); derr != nil {
		return nil, derr
	}
	return w, err
}

// Cancel cancels key's walk. The returned channel resolves after the next crowd tick.
func (s *Session) Cancel(ctx context.Context, key string) (<-chan error, error) {
	var ch <-chan error
	if err := s.do(ctx, func() { ch = s.crowd.Cancel(key) }); err != nil {
		return nil, err
	}
	return ch, nil
}

// ToggleLock flips a door lock on behalf of agent.
func (s *Session) ToggleLock(ctx context.Context, agent string, door level.DoorRef) (bool, error) {
	var ok bool
	var err error
	if derr := s.do(ctx, func() { ok, err = s.coord.ToggleLock(agent, door) }); derr != nil {
		return false, derr
	}
	return ok, err
}

// RequestOpen opens a door on behalf of a nearby agent.
func (s *Session) RequestOpen(ctx context.Context, agent string, door level.DoorRef) (bool, error) {
	var ok bool
	var err error
	if derr := s.do(ctx, func() { ok, err = s.coord.RequestOpen(agent, door) }); derr != nil {
		return false, derr
	}
	return ok, err
}

// DoorState returns a door's state.
func (s *Session) DoorState(ctx context.Context, door level.DoorRef) (doors.State, error) {
	var st doors.State
	var err error
	if derr := s.do(ctx, func() { st, err = s.coord.State(door) }); derr != nil {
		return 0, derr
	}
	return st, err
}

// RoomOf returns agent's current room.
func (s *Session) RoomOf(ctx context.Context, agent string) (level.RoomRef, bool, error) {
	var room level.RoomRef
	var ok bool
	err := s.do(ctx, func() { room, ok = s.coord.RoomOf(agent) })
	return room, ok, err
}

// ReloadLevel swaps in new geometry. Unchanged instances keep their navmesh tiles.
//
// Precondition: lvl must not be nil.
func (s *Session) ReloadLevel(ctx context.Context, lvl *level.Level) error {
	return s.do(ctx, func() {
		s.lvl = lvl
		s.coord.SetLevel(lvl)
		s.requestNav()
	})
}

// RestartNavWorker cancels the navmesh worker, dropping in-flight builds, and replaces it with a
// fresh one that rebuilds the whole level.
func (s *Session) RestartNavWorker(ctx context.Context) error {
	var err error
	if derr := s.do(ctx, func() {
		s.navCancel()
		clear(s.seen)
		if err = s.startNav(s.runCtx); err != nil {
			return
		}
		s.requestNav()
	}); derr != nil {
		return derr
	}
	return err
}

// Status returns loop counters.
func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() { st = s.status })
	return st, err
}

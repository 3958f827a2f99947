package physics

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Request is a message to the worker.
type Request interface {
	request()
}

// SetupWorld replaces the world with the sensors of one level and the already-spawned agents.
type SetupWorld struct {
	Level  string
	Fixed  []BodySpec
	Agents []AgentPosition
}

// SendAgentPositions moves agent bodies and steps the world once.
type SendAgentPositions struct {
	Batch []AgentPosition
}

// AddBodies inserts bodies; duplicates are skipped.
type AddBodies struct {
	Bodies []BodySpec
}

// RemoveBodies deletes bodies by key; unknown keys are skipped.
type RemoveBodies struct {
	Keys []string
}

func (SetupWorld) request()         {}
func (SendAgentPositions) request() {}
func (AddBodies) request()          {}
func (RemoveBodies) request()       {}

// Response is a message from the worker.
type Response interface {
	response()
}

// WorldIsSetup acknowledges SetupWorld.
type WorldIsSetup struct {
	Level   string
	Bodies  int
	Sensors int
}

// NpcCollisions carries the contact transitions of one step. The first step after SetupWorld is
// always reported, even when nothing changed.
type NpcCollisions struct {
	Step  uint64
	Start []Collision
	End   []Collision
}

func (WorldIsSetup) response()  {}
func (NpcCollisions) response() {}

// Worker owns a World and handles requests one at a time in arrival order. Request slices are
// owned by the worker once sent.
type Worker struct {
	world  *World
	inbox  chan Request
	outbox chan Response
	logger *zap.Logger
	// fresh is set by SetupWorld until the next step.
	fresh bool
}

// NewWorker creates a Worker around world.
//
// Precondition: world and logger must not be nil; queue > 0.
func NewWorker(world *World, queue int, logger *zap.Logger) *Worker {
	if queue <= 0 {
		panic(fmt.Sprintf("physics.NewWorker: queue must be > 0, got %d", queue))
	}
	return &Worker{
		world:  world,
		inbox:  make(chan Request, queue),
		outbox: make(chan Response, queue),
		logger: logger,
	}
}

// Send enqueues a request, blocking until there is room or ctx ends.
func (w *Worker) Send(ctx context.Context, req Request) error {
	select {
	case w.inbox <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues a request without blocking.
//
// Postcondition: Returns false when the inbox is full.
func (w *Worker) TrySend(req Request) bool {
	select {
	case w.inbox <- req:
		return true
	default:
		return false
	}
}

// Results returns the response channel.
func (w *Worker) Results() <-chan Response {
	return w.outbox
}

// Run processes requests until ctx is cancelled.
//
// Postcondition: Returns ctx.Err() on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-w.inbox:
			res := w.handle(req)
			if res == nil {
				continue
			}
			select {
			case w.outbox <- res:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (w *Worker) handle(req Request) Response {
	switch r := req.(type) {
	case SetupWorld:
		w.world.Setup(r.Fixed, r.Agents)
		w.fresh = true
		w.logger.Info("physics world set up",
			zap.String("level", r.Level),
			zap.Int("bodies", w.world.BodyCount()),
			zap.Int("sensors", w.world.SensorCount()),
		)
		return WorldIsSetup{Level: r.Level, Bodies: w.world.BodyCount(), Sensors: w.world.SensorCount()}
	case SendAgentPositions:
		w.world.SetPositions(r.Batch)
		start, end := w.world.Step()
		if len(start) == 0 && len(end) == 0 && !w.fresh {
			return nil
		}
		w.fresh = false
		return NpcCollisions{Step: w.world.Steps(), Start: start, End: end}
	case AddBodies:
		for _, b := range r.Bodies {
			if _, err := w.world.Add(b); err != nil {
				w.logger.Debug("body not added", zap.String("key", b.Key), zap.Error(err))
			}
		}
	case RemoveBodies:
		for _, k := range r.Keys {
			w.world.Remove(k)
		}
	default:
		w.logger.Error("unknown physics request", zap.String("type", fmt.Sprintf("%T", req)))
	}
	return nil
}

package navmesh

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RequestNav asks the worker to build a mesh for a level.
type RequestNav struct {
	Level   string
	Version uint64
	Input   BuildInput
}

// Result is a worker response: NavMeshResponse or BuildFailed.
type Result interface {
	ResultVersion() uint64
	result()
}

// NavMeshResponse carries a built mesh in its serialised form.
type NavMeshResponse struct {
	Level   string
	Version uint64
	Data    []byte
	Stats   BuildStats
	Elapsed time.Duration
}

// BuildFailed reports a rejected build.
type BuildFailed struct {
	Level   string
	Version uint64
	Reason  string
}

func (r NavMeshResponse) ResultVersion() uint64 { return r.Version }
func (r BuildFailed) ResultVersion() uint64     { return r.Version }
func (NavMeshResponse) result()                 {}
func (BuildFailed) result()                     {}

// Worker owns a Builder and processes build requests one at a time in arrival order.
type Worker struct {
	builder *Builder
	inbox   chan RequestNav
	outbox  chan Result
	logger  *zap.Logger
}

// NewWorker creates a Worker with bounded queues.
//
// Precondition: builder and logger must not be nil; queue > 0.
func NewWorker(builder *Builder, queue int, logger *zap.Logger) *Worker {
	return &Worker{
		builder: builder,
		inbox:   make(chan RequestNav, queue),
		outbox:  make(chan Result, queue),
		logger:  logger,
	}
}

// Submit enqueues a request, blocking until there is room or ctx ends.
func (w *Worker) Submit(ctx context.Context, req RequestNav) error {
	select {
	case w.inbox <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues a request without blocking.
//
// Postcondition: Returns false when the inbox is full.
func (w *Worker) TrySubmit(req RequestNav) bool {
	select {
	case w.inbox <- req:
		return true
	default:
		return false
	}
}

// Results returns the response channel.
func (w *Worker) Results() <-chan Result {
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
			select {
			case w.outbox <- res:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (w *Worker) handle(req RequestNav) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("navmesh build panicked", zap.Uint64("version", req.Version), zap.Any("panic", r))
			res = BuildFailed{Level: req.Level, Version: req.Version, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	start := time.Now()
	mesh, stats, err := w.builder.Build(req.Version, req.Input)
	if err != nil {
		w.logger.Warn("navmesh build failed",
			zap.String("level", req.Level),
			zap.Uint64("version", req.Version),
			zap.Error(err),
		)
		return BuildFailed{Level: req.Level, Version: req.Version, Reason: err.Error()}
	}
	data, err := Marshal(mesh)
	if err != nil {
		return BuildFailed{Level: req.Level, Version: req.Version, Reason: err.Error()}
	}
	return NavMeshResponse{Level: req.Level, Version: req.Version, Data: data, Stats: stats, Elapsed: time.Since(start)}
}

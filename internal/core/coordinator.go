package core

import (
	"TokenMarket/internal/command"
	"context"

	"github.com/rs/zerolog"
)

type submission struct {
	op    command.Op
	reply chan submissionReply
}

type submissionReply struct {
	result *OpResult
	err    error
}

// Coordinator funnels operations from every producer (HTTP handlers, the
// NATS feed subscriber) into the single-threaded core. Serializing through
// one goroutine is what makes each operation atomic: nothing else can
// observe or mutate state mid-operation.
type Coordinator struct {
	core      *MarketCore
	commands  chan submission
	snapshots chan chan *SnapshotState
	logger    zerolog.Logger
}

func NewCoordinator(core *MarketCore, bufferSize int, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		core:      core,
		commands:  make(chan submission, bufferSize),
		snapshots: make(chan chan *SnapshotState),
		logger:    logger,
	}
}

// Core returns the underlying core for recovery and snapshotting. Callers
// must only touch it while Run is not consuming commands.
func (co *Coordinator) Core() *MarketCore {
	return co.core
}

// Submit queues an operation and waits for the core's verdict.
func (co *Coordinator) Submit(ctx context.Context, op command.Op) (*OpResult, error) {
	reply := make(chan submissionReply, 1)

	select {
	case co.commands <- submission{op: op, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		// The op may still be applied; idempotency makes a retry safe.
		return nil, ctx.Err()
	}
}

// CaptureSnapshot asks the core loop for a consistent state capture.
// The capture happens between operations, never mid-apply.
func (co *Coordinator) CaptureSnapshot(ctx context.Context) (*SnapshotState, error) {
	reply := make(chan *SnapshotState, 1)

	select {
	case co.snapshots <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drains the command channel until the context is cancelled.
func (co *Coordinator) Run(ctx context.Context) {
	co.logger.Info().Msg("coordinator started")

	for {
		select {
		case <-ctx.Done():
			co.logger.Info().Msg("coordinator stopping")
			return
		case cmd := <-co.commands:
			result, err := co.core.ProcessOp(cmd.op)
			if err != nil {
				co.logger.Debug().
					Err(err).
					Str("op_type", cmd.op.OpType().String()).
					Str("idempotency_key", cmd.op.IdempotencyKey()).
					Msg("operation rejected")
			}
			cmd.reply <- submissionReply{result: result, err: err}
		case reply := <-co.snapshots:
			reply <- co.core.CreateSnapshotState()
		}
	}
}

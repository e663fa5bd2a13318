package replay

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sandbox"
)

// Request describes one session for RunAll.
type Request struct {
	Scope   Scope   `json:"scope" yaml:"scope"`
	Mode    Mode    `json:"mode" yaml:"mode"`
	Options Options `json:"options" yaml:"options"`
}

// Result summarizes a drained session.
type Result struct {
	SessionID string                    `json:"session_id"`
	Status    Status                    `json:"status"`
	Steps     int                       `json:"steps"`
	Events    int                       `json:"events"`
	States    map[string]AggregateState `json:"states"`
	StateHash string                    `json:"state_hash"`
	Effects   []sandbox.Effect          `json:"effects,omitempty"`
}

// Run steps the session until it ends and summarizes it. The session is
// not disposed. On failure the partial result is returned with the error.
func (e *Engine) Run(ctx context.Context, id string) (Result, error) {
	var runErr error
	for {
		_, err := e.GetNextStep(ctx, id)
		if errors.Is(err, ErrEndOfReplay) {
			break
		}
		if err != nil {
			runErr = err
			break
		}
	}

	res, err := e.summarize(id)
	if err != nil {
		return Result{}, err
	}
	return res, runErr
}

func (e *Engine) summarize(id string) (Result, error) {
	info, err := e.Info(id)
	if err != nil {
		return Result{}, err
	}
	states, err := e.States(id)
	if err != nil {
		return Result{}, err
	}
	state, err := e.GetState(id)
	if err != nil {
		return Result{}, err
	}
	hash, err := ir.StateHash(state)
	if err != nil {
		return Result{}, err
	}
	effects, err := e.Effects(id)
	if err != nil {
		return Result{}, err
	}
	return Result{
		SessionID: id,
		Status:    info.Status,
		Steps:     info.Steps,
		Events:    info.Events,
		States:    states,
		StateHash: hash,
		Effects:   effects,
	}, nil
}

// RunAll runs independent sessions on a worker pool (one worker per
// available CPU unless WithWorkers says otherwise) and returns their
// results in request order. Each session is disposed when it finishes.
// The first failure cancels the sessions still running.
func (e *Engine) RunAll(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i, req := range reqs {
		g.Go(func() error {
			id, err := e.StartReplay(ctx, req.Scope, req.Mode, req.Options)
			if err != nil {
				return err
			}
			defer func() {
				if err := e.DisposeSession(id); err != nil {
					e.logger.Warn("dispose session", "session_id", id, "error", err)
				}
			}()
			res, err := e.Run(ctx, id)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

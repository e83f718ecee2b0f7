package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// namedRunner pairs a StageRunner with the StageName the Engine reports it
// under in an ErrControlViolation.
type namedRunner struct {
	name   StageName
	runner StageRunner
}

// broadcastControl sends cmd to all three stages concurrently and waits for
// every acknowledgement before the Engine will transition status. Fanning
// the three calls out with errgroup, rather than looping over them one at a
// time, means the broadcast's wall-clock cost is the slowest stage's
// quiesce time, not the sum of all three.
//
// Any stage returning a non-nil error from Control is a control contract
// violation: broadcastControl wraps it in ErrControlViolation, cancels the
// other calls' context, and returns the first one once all three calls
// have returned, leaving the caller (handleControl) to decide whether
// the engine can still be trusted to report its status honestly.
func broadcastControl(ctx context.Context, cmd StageControl, downloader, spider, itemProcessor StageRunner) error {
	stages := []namedRunner{
		{StageDownloader, downloader},
		{StageSpider, spider},
		{StageItemProcessor, itemProcessor},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range stages {
		s := s
		g.Go(func() error {
			if err := s.runner.Control(gctx, cmd); err != nil {
				return &ErrControlViolation{Stage: s.name, Cmd: cmd, Cause: err}
			}
			return nil
		})
	}
	return g.Wait()
}

package app

import (
	"context"
	"fmt"
	"time"

	logx "beacon/pkg/logx"
)

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// stopStep runs one shutdown step bounded by max, never past the caller's
// deadline. A step that overruns is logged and left behind.
func stopStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

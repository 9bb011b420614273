package harvest

import (
	"context"
	"log"
	"time"
)

// Scheduler drives recurring harvest passes over a symbol and timeframe
// matrix. One pass visits every (symbol, timeframe) pair; failures are
// isolated per pair so one bad symbol never stops the pass.
type Scheduler struct {
	engine     *Engine
	symbols    []string
	timeframes []TimeframeSpec
	interval   time.Duration
	retryWait  time.Duration
}

func NewScheduler(engine *Engine, symbols []string, timeframes []TimeframeSpec, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		engine:     engine,
		symbols:    symbols,
		timeframes: timeframes,
		interval:   interval,
		retryWait:  time.Minute,
	}
}

// Run loops until ctx is cancelled. The inter-pass sleep wakes every second
// so shutdown is never delayed by a long interval.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("scheduler: starting, %d symbols x %d timeframes every %s",
		len(s.symbols), len(s.timeframes), s.interval)

	for {
		if err := s.pass(ctx); err != nil {
			if ctx.Err() != nil {
				log.Printf("scheduler: stopped")
				return
			}
			log.Printf("scheduler: pass failed: %v, retrying in %s", err, s.retryWait)
			if !sleepInterruptible(ctx, s.retryWait) {
				log.Printf("scheduler: stopped")
				return
			}
			continue
		}

		log.Printf("scheduler: pass complete, next in %s", s.interval)
		if !sleepInterruptible(ctx, s.interval) {
			log.Printf("scheduler: stopped")
			return
		}
	}
}

func (s *Scheduler) pass(ctx context.Context) error {
	for _, symbol := range s.symbols {
		for _, tf := range s.timeframes {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := s.engine.Harvest(ctx, symbol, tf); err != nil {
				if ctx.Err() != nil {
					return err
				}
				// Logged inside the engine; move on to the next pair.
				continue
			}
		}
	}
	return nil
}

// sleepInterruptible sleeps for d in one-second steps, returning false as
// soon as ctx is cancelled.
func sleepInterruptible(ctx context.Context, d time.Duration) bool {
	for remaining := d; remaining > 0; remaining -= time.Second {
		step := time.Second
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
	}
	return true
}

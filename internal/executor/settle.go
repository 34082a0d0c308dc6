package executor

import (
	"context"
	"log"
	"os"
	"time"

	"chainrunner/internal/chain"
)

// DefaultSettleDelay is the pause between steps that gives the remote server
// time to finish writing files the next step will read.
const DefaultSettleDelay = 10 * time.Second

// Settler decides how long to wait between a completed step and the next
// submission. Implementations return early when stop is closed or ctx ends.
type Settler interface {
	Settle(ctx context.Context, stop <-chan struct{}, outputs []chain.CachedOutput)
}

// FixedDelay waits a constant duration.
type FixedDelay struct {
	Delay time.Duration
}

func (f FixedDelay) Settle(ctx context.Context, stop <-chan struct{}, _ []chain.CachedOutput) {
	d := f.Delay
	if d <= 0 {
		return
	}
	sleep(ctx, stop, d)
}

// StableFiles polls the files behind the step's outputs and returns once
// every one of them exists with an unchanged size across two consecutive
// checks. With nothing to observe it falls back to a fixed delay.
type StableFiles struct {
	Interval time.Duration
	Timeout  time.Duration
	Fallback time.Duration
	// Locate maps a cached path to the staged file on disk. Optional.
	Locate func(cachedPath string) string
}

func (s StableFiles) Settle(ctx context.Context, stop <-chan struct{}, outputs []chain.CachedOutput) {
	paths := s.paths(outputs)
	if len(paths) == 0 {
		FixedDelay{Delay: s.Fallback}.Settle(ctx, stop, nil)
		return
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultSettleDelay
	}

	deadline := time.Now().Add(timeout)
	prev := sizes(paths)
	for {
		if !sleep(ctx, stop, interval) {
			return
		}
		cur := sizes(paths)
		if cur != nil && prev != nil && equalSizes(prev, cur) {
			return
		}
		prev = cur
		if time.Now().After(deadline) {
			log.Printf("chain executor: outputs still changing after %s, continuing", timeout)
			return
		}
	}
}

func (s StableFiles) paths(outputs []chain.CachedOutput) []string {
	var out []string
	for _, o := range outputs {
		if o.OriginalPath != "" {
			out = append(out, o.OriginalPath)
		}
		if s.Locate != nil && o.CachedPath != "" {
			out = append(out, s.Locate(o.CachedPath))
		}
	}
	return out
}

// sizes returns nil when any path is missing.
func sizes(paths []string) []int64 {
	out := make([]int64, len(paths))
	for i, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil
		}
		out[i] = info.Size()
	}
	return out
}

func equalSizes(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sleep reports false when interrupted before d elapsed.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

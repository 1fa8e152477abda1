package watchdog

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
)

// Probe inspects one health dimension on each maintenance tick.
type Probe interface {
	Name() string
	Check()
}

// HeapProbe watches total free memory. Below the warn level it logs a
// rate-limited warning; below the floor it panics the kernel.
type HeapProbe struct {
	free   func() int
	warnAt int
	floor  int

	panics  *Handler
	limiter *rate.Limiter
	log     *logging.Logger
}

// NewHeapProbe creates a free-memory probe. free reports current free
// bytes across all pools.
func NewHeapProbe(free func() int, warnAt, floor int, panics *Handler, log *logging.Logger) *HeapProbe {
	return &HeapProbe{
		free:   free,
		warnAt: warnAt,
		floor:  floor,
		panics: panics,
		// One warning per second at most, whatever the tick rate.
		limiter: rate.NewLimiter(rate.Limit(1), 1),
		log:     log.Named("probe.heap"),
	}
}

// Name returns the probe name.
func (p *HeapProbe) Name() string { return "heap" }

// Check inspects free memory and escalates.
func (p *HeapProbe) Check() {
	free := p.free()
	if free < p.floor {
		p.panics.Trigger(ReasonOutOfMemory, p.Name(),
			fmt.Sprintf("free heap %d below floor %d", free, p.floor))
		return
	}
	if free < p.warnAt && p.limiter.Allow() {
		p.log.Warn("free heap low",
			zap.Int("free", free),
			zap.Int("warn_at", p.warnAt))
	}
}

// StackSample reports the remaining stack headroom of one task.
type StackSample struct {
	Name     string
	Headroom int
}

// StackProbe watches per-task stack headroom reported by the platform.
// A task under the floor panics the kernel before it can corrupt
// neighbouring memory.
type StackProbe struct {
	sample func() []StackSample
	floor  int

	panics  *Handler
	limiter *rate.Limiter
	log     *logging.Logger
}

// NewStackProbe creates a stack-headroom probe. sample may return nil
// on platforms that cannot measure stacks.
func NewStackProbe(sample func() []StackSample, floor int, panics *Handler, log *logging.Logger) *StackProbe {
	return &StackProbe{
		sample:  sample,
		floor:   floor,
		panics:  panics,
		limiter: rate.NewLimiter(rate.Limit(1), 1),
		log:     log.Named("probe.stack"),
	}
}

// Name returns the probe name.
func (p *StackProbe) Name() string { return "stack" }

// Check inspects stack headroom and escalates.
func (p *StackProbe) Check() {
	for _, s := range p.sample() {
		if s.Headroom < p.floor {
			p.panics.Trigger(ReasonStackOverflow, s.Name,
				fmt.Sprintf("headroom %d below floor %d", s.Headroom, p.floor))
			return
		}
		if s.Headroom < p.floor*2 && p.limiter.Allow() {
			p.log.Warn("stack headroom low",
				zap.String("task", s.Name),
				zap.Int("headroom", s.Headroom))
		}
	}
}

// Package cleanup runs the ordered teardown of a device connection. Every
// step runs even when an earlier one fails, and a cascade runs at most once.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/internal/observability"
)

// DefaultTimeout bounds a whole cascade.
const DefaultTimeout = 10 * time.Second

// Cascade tears a device down exactly once.
type Cascade struct {
	deviceID string
	steps    []Step
	timeout  time.Duration
	metrics  *observability.Metrics
	logger   *zap.Logger

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	report Report
}

func NewCascade(deviceID string, steps []Step, metrics *observability.Metrics, logger *zap.Logger) *Cascade {
	execs := make([]StepExecution, len(steps))
	for i, step := range steps {
		execs[i] = StepExecution{ID: step.ID, State: StepStatePending}
	}
	return &Cascade{
		deviceID: deviceID,
		steps:    steps,
		timeout:  DefaultTimeout,
		metrics:  metrics,
		logger:   logger,
		done:     make(chan struct{}),
		report: Report{
			DeviceID: deviceID,
			State:    CascadePending,
			Steps:    execs,
		},
	}
}

// WithTimeout overrides DefaultTimeout.
func (c *Cascade) WithTimeout(d time.Duration) *Cascade {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Run executes the steps once. Later calls wait for the first run to finish
// and return its report.
func (c *Cascade) Run(ctx context.Context, reason string) Report {
	c.once.Do(func() {
		defer close(c.done)
		c.run(ctx, reason)
	})
	<-c.done
	return c.Report()
}

// Trigger starts the cascade without waiting.
func (c *Cascade) Trigger(reason string) {
	go c.Run(context.Background(), reason)
}

// Done is closed once the cascade has finished.
func (c *Cascade) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the cascade finished or d elapsed. It reports whether the
// cascade finished.
func (c *Cascade) Wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.done:
		return true
	case <-t.C:
		return false
	}
}

// Report returns a copy of the current report.
func (c *Cascade) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.report
	r.Steps = append([]StepExecution(nil), c.report.Steps...)
	return r
}

func (c *Cascade) run(ctx context.Context, reason string) {
	// Teardown must finish even when the trigger's context is already gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	c.mu.Lock()
	c.report.Reason = reason
	c.report.State = CascadeRunning
	c.report.StartedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("Cleanup cascade started",
		zap.String("deviceID", c.deviceID),
		zap.String("reason", reason))

	failed := 0
	for i, step := range c.steps {
		if err := c.executeStep(ctx, i, step); err != nil {
			failed++
			c.metrics.CleanupFailure(string(step.ID))
			c.logger.Error("Cleanup step failed",
				zap.String("deviceID", c.deviceID),
				zap.String("stepID", string(step.ID)),
				zap.Error(err))
		}
	}

	now := time.Now()
	c.mu.Lock()
	c.report.CompletedAt = &now
	if failed > 0 {
		c.report.State = CascadeDegraded
	} else {
		c.report.State = CascadeCompleted
	}
	c.mu.Unlock()

	c.logger.Info("Cleanup cascade finished",
		zap.String("deviceID", c.deviceID),
		zap.Int("failedSteps", failed),
		zap.Duration("elapsed", now.Sub(c.report.StartedAt)))
}

func (c *Cascade) executeStep(ctx context.Context, i int, step Step) (err error) {
	started := time.Now()
	c.setStep(i, func(s *StepExecution) {
		s.State = StepStateRunning
		s.StartedAt = &started
	})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		finished := time.Now()
		c.setStep(i, func(s *StepExecution) {
			s.CompletedAt = &finished
			if err != nil {
				s.State = StepStateFailed
				s.Error = err.Error()
			} else {
				s.State = StepStateCompleted
			}
		})
	}()

	if step.Run == nil {
		return nil
	}
	return step.Run(ctx)
}

func (c *Cascade) setStep(i int, mutate func(*StepExecution)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < len(c.report.Steps) {
		mutate(&c.report.Steps[i])
	}
}

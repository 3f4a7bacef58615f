// Package shutdown owns the process-wide stop signal and the ordered
// teardown that follows it.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"go.uber.org/multierr"
)

// Stage is one teardown step. Stages run in registration order.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *log.Logger

	once   sync.Once
	reason string

	mu      sync.Mutex
	stages  []Stage
	ran     bool
	stopSig func()
}

func New(parent context.Context, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{ctx: ctx, cancel: cancel, log: logger}
}

// Context is cancelled when Trigger is called.
func (c *Coordinator) Context() context.Context { return c.ctx }

func (c *Coordinator) Done() <-chan struct{} { return c.ctx.Done() }

// Trigger sets the stop signal. Only the first call has an effect; it is
// safe from any goroutine.
func (c *Coordinator) Trigger(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.log.Info("shutdown requested", "reason", reason)
		c.cancel()
	})
}

func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Register appends a teardown stage.
func (c *Coordinator) Register(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append(c.stages, Stage{Name: name, Run: fn})
}

// NotifySignals triggers on SIGINT or SIGTERM.
func (c *Coordinator) NotifySignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			c.Trigger(sig.String())
		case <-c.ctx.Done():
		case <-done:
		}
	}()
	c.mu.Lock()
	c.stopSig = func() {
		signal.Stop(ch)
		close(done)
	}
	c.mu.Unlock()
}

// Shutdown triggers the stop signal and runs every stage once, in order,
// even when an earlier stage fails. ctx bounds the whole teardown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.Trigger("shutdown")

	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return nil
	}
	c.ran = true
	stages := append([]Stage(nil), c.stages...)
	stopSig := c.stopSig
	c.stopSig = nil
	c.mu.Unlock()

	if stopSig != nil {
		stopSig()
	}

	var errs error
	for _, st := range stages {
		if err := st.Run(ctx); err != nil {
			c.log.Warn("shutdown stage failed", "stage", st.Name, "err", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", st.Name, err))
			continue
		}
		c.log.Debug("shutdown stage done", "stage", st.Name)
	}
	return errs
}

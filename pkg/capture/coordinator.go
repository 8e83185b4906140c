// Copyright 2023 The bg-perf-tools Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package capture orchestrates the full trace capture pipeline: probe
// registration, instance setup, optional synthetic event creation,
// streaming, and guaranteed reverse-order teardown.
package capture

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/Shiztev/bg-perf-tools/pkg/tracefs"

	"github.com/golang/glog"
)

type coordinatorOptions struct {
	pollInterval time.Duration
	duration     time.Duration
	filter       string
	errorSink    tracefs.ErrorSink
	signals      []os.Signal
	forceProbe   bool
}

// Option is used to implement optional arguments for New. It must be
// exported, but it is not typically used directly.
type Option func(*coordinatorOptions)

// WithPollInterval sets the stream's suspend time between drain passes.
func WithPollInterval(interval time.Duration) Option {
	return func(o *coordinatorOptions) {
		o.pollInterval = interval
	}
}

// WithDuration bounds the capture; zero streams until a stop signal.
func WithDuration(duration time.Duration) Option {
	return func(o *coordinatorOptions) {
		o.duration = duration
	}
}

// WithRecordFilter sets an expression restricting which records are
// delivered.
func WithRecordFilter(filter string) Option {
	return func(o *coordinatorOptions) {
		o.filter = filter
	}
}

// WithErrorSink directs per-record decode errors to sink.
func WithErrorSink(sink tracefs.ErrorSink) Option {
	return func(o *coordinatorOptions) {
		o.errorSink = sink
	}
}

// WithStopSignals stops the stream when any of the given process signals
// arrives.
func WithStopSignals(signals ...os.Signal) Option {
	return func(o *coordinatorOptions) {
		o.signals = append(o.signals, signals...)
	}
}

// WithForceProbeDestroy destroys the probe event during teardown even if
// consumers are still attached to it.
func WithForceProbeDestroy() Option {
	return func(o *coordinatorOptions) {
		o.forceProbe = true
	}
}

// Coordinator drives the capture pipeline. Each resource acquired during
// Run is released in reverse order on every path out of Run, whether setup,
// streaming, or an earlier teardown step failed.
type Coordinator struct {
	fs   tracefs.FileSystem
	opts coordinatorOptions

	mu        sync.Mutex
	processor *tracefs.StreamProcessor
}

// New returns a Coordinator operating on fs.
func New(fs tracefs.FileSystem, options ...Option) *Coordinator {
	opts := coordinatorOptions{pollInterval: tracefs.DefaultPollInterval}
	for _, option := range options {
		option(&opts)
	}
	return &Coordinator{fs: fs, opts: opts}
}

// Stop requests cancellation of a running capture. It is safe to call from
// any goroutine at any time, including before streaming begins.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	processor := c.processor
	c.mu.Unlock()
	if processor != nil {
		processor.Stop()
	}
}

// teardownStep is one deferred release of an acquired resource.
type teardownStep struct {
	resource string
	release  func() error
}

// Run executes the pipeline: register the probe, create the instance,
// optionally create the synthetic event, restrict the instance to the
// target event, switch the buffer on, and stream records to onRecord until
// cancelled. A zero probe descriptor skips probe registration for captures
// built purely from existing events; at least one of probe and synth must
// be given. The returned error is nil only if setup, streaming, and every
// teardown step succeeded; otherwise it is a PipelineError carrying the
// primary failure and any teardown failures.
func (c *Coordinator) Run(
	probe tracefs.ProbeDescriptor,
	synth *tracefs.SynthDescriptor,
	instanceName string,
	onRecord tracefs.RecordFunc,
) error {
	streamOpts := []tracefs.StreamOption{
		tracefs.WithPollInterval(c.opts.pollInterval),
	}
	if c.opts.filter != "" {
		streamOpts = append(streamOpts, tracefs.WithRecordFilter(c.opts.filter))
	}
	if c.opts.errorSink != nil {
		streamOpts = append(streamOpts, tracefs.WithErrorSink(c.opts.errorSink))
	}

	processor, err := tracefs.NewStreamProcessor(c.fs, streamOpts...)
	if err != nil {
		return &tracefs.PipelineError{Primary: err}
	}
	defer processor.Close()

	c.mu.Lock()
	c.processor = processor
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.processor = nil
		c.mu.Unlock()
	}()

	if len(c.opts.signals) > 0 {
		sigCh := make(chan os.Signal, 1)
		doneCh := make(chan struct{})
		signal.Notify(sigCh, c.opts.signals...)
		defer signal.Stop(sigCh)
		defer close(doneCh)
		go func() {
			select {
			case sig := <-sigCh:
				glog.V(1).Infof("Received %v, stopping capture", sig)
				processor.Stop()
			case <-doneCh:
			}
		}()
	}
	if c.opts.duration > 0 {
		timer := time.AfterFunc(c.opts.duration, processor.Stop)
		defer timer.Stop()
	}

	var teardown []teardownStep
	fail := func(primary error) error {
		return &tracefs.PipelineError{
			Primary:  primary,
			Teardown: c.unwind(teardown),
		}
	}

	hasProbe := probe != (tracefs.ProbeDescriptor{})
	if !hasProbe && synth == nil {
		return fail(errors.New("nothing to capture: no probe and no synthetic event"))
	}

	// Probe first: dynamic events registered with the kernel become
	// visible in instances created afterwards.
	if hasProbe {
		probeMgr := tracefs.NewProbeManager(c.fs)
		dynEvent, err := probeMgr.Register(probe)
		if err != nil {
			return fail(err)
		}
		teardown = append(teardown, teardownStep{
			resource: "probe",
			release: func() error {
				return probeMgr.Destroy(dynEvent, c.opts.forceProbe)
			},
		})
	}

	instance, err := tracefs.CreateInstance(c.fs, instanceName)
	if err != nil {
		return fail(err)
	}
	teardown = append(teardown, teardownStep{
		resource: "instance",
		release:  instance.Destroy,
	})

	target := probe.ID()
	if synth != nil {
		builder := tracefs.NewSynthBuilder(c.fs)
		synthEvent, err := builder.Define(*synth)
		if err != nil {
			return fail(err)
		}
		if err = builder.Create(synthEvent); err != nil {
			return fail(err)
		}
		teardown = append(teardown, teardownStep{
			resource: "synthetic event",
			release: func() error {
				return builder.Destroy(synthEvent)
			},
		})
		target = synthEvent.ID()
	}

	if err = instance.RestrictEventsTo(target); err != nil {
		return fail(err)
	}

	if err = instance.SetBufferOn(true); err != nil {
		return fail(err)
	}
	teardown = append(teardown, teardownStep{
		resource: "trace buffer",
		release: func() error {
			return instance.SetBufferOn(false)
		},
	})

	primary := processor.Stream(instance, target, onRecord)

	if teardownErrs := c.unwind(teardown); primary != nil || len(teardownErrs) > 0 {
		return &tracefs.PipelineError{Primary: primary, Teardown: teardownErrs}
	}
	return nil
}

// unwind releases acquired resources in reverse order. A failed step is
// reported but never stops the remaining steps.
func (c *Coordinator) unwind(teardown []teardownStep) []error {
	var errs []error
	for i := len(teardown) - 1; i >= 0; i-- {
		step := teardown[i]
		if err := step.release(); err != nil {
			glog.Warningf("Teardown of %s failed: %v", step.resource, err)
			errs = append(errs, err)
		}
	}
	return errs
}

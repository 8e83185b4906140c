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

package tracefs

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/golang/glog"

	"golang.org/x/sys/unix"
)

// DefaultPollInterval is the suspend time between drain passes when no
// other interval is configured.
const DefaultPollInterval = 1 * time.Second

// RecordFunc consumes one decoded record. The record is only valid for the
// duration of the call.
type RecordFunc func(*EventRecord)

// ErrorSink receives per-record decode errors. Such errors never terminate
// the stream.
type ErrorSink func(error)

type streamOptions struct {
	pollInterval time.Duration
	errorSink    ErrorSink
	filter       string
}

// StreamOption is used to implement optional arguments for
// NewStreamProcessor. It must be exported, but it is not typically used
// directly.
type StreamOption func(*streamOptions)

// WithPollInterval sets the suspend time between drain passes.
func WithPollInterval(interval time.Duration) StreamOption {
	return func(o *streamOptions) {
		o.pollInterval = interval
	}
}

// WithErrorSink directs per-record decode errors to sink instead of the
// log.
func WithErrorSink(sink ErrorSink) StreamOption {
	return func(o *streamOptions) {
		o.errorSink = sink
	}
}

// WithRecordFilter sets an expression evaluated against each record's
// decoded fields. Only records for which the expression yields true are
// delivered, e.g. `common_pid == 42` or `arg1 startsWith "/etc"`.
func WithRecordFilter(filter string) StreamOption {
	return func(o *streamOptions) {
		o.filter = filter
	}
}

// StreamProcessor attaches a decoder callback to one event of a tracing
// instance and drains its record stream until stopped. A processor streams
// once; create a new one to stream again.
type StreamProcessor struct {
	fs      FileSystem
	formats *FormatCache
	opts    streamOptions

	// stopRequested is set by Stop, possibly from an asynchronous signal
	// context, and polled by the streaming loop.
	stopRequested uint32

	// Self-pipe waking up a poll blocked mid-interval. Stop writes one
	// byte; the streaming loop drains it.
	wakeupR int
	wakeupW int
}

// NewStreamProcessor returns a StreamProcessor operating on fs.
func NewStreamProcessor(fs FileSystem, options ...StreamOption) (*StreamProcessor, error) {
	opts := streamOptions{pollInterval: DefaultPollInterval}
	for _, option := range options {
		option(&opts)
	}
	if opts.errorSink == nil {
		opts.errorSink = func(err error) {
			glog.Warningf("Record decode error: %v", err)
		}
	}

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		return nil, fmt.Errorf("cannot create wakeup pipe: %w", err)
	}
	unix.SetNonblock(pipe[0], true)
	unix.SetNonblock(pipe[1], true)

	return &StreamProcessor{
		fs:      fs,
		formats: NewFormatCache(fs),
		opts:    opts,
		wakeupR: pipe[0],
		wakeupW: pipe[1],
	}, nil
}

// Close releases the processor's wakeup pipe. The processor is unusable
// afterwards.
func (p *StreamProcessor) Close() {
	unix.Close(p.wakeupR)
	unix.Close(p.wakeupW)
	p.wakeupR = -1
	p.wakeupW = -1
}

// Stop requests cancellation of the stream. It only sets a flag and writes
// one byte to the wakeup pipe, so it is safe to call from an asynchronous
// signal context. Stop is idempotent and may race harmlessly with a stream
// that is already finishing.
func (p *StreamProcessor) Stop() {
	atomic.StoreUint32(&p.stopRequested, 1)
	if p.wakeupW != -1 {
		unix.Write(p.wakeupW, []byte{0})
	}
}

// Stopped reports whether cancellation has been requested.
func (p *StreamProcessor) Stopped() bool {
	return atomic.LoadUint32(&p.stopRequested) != 0
}

// Stream attaches onRecord as the decoder for the target event and drains
// the instance's record stream until Stop is called. Between drain passes
// the processor suspends for the configured poll interval. Stream returns
// nil on a requested stop; a target that cannot be attached fails before
// any polling begins.
func (p *StreamProcessor) Stream(
	instance *Instance,
	target EventID,
	onRecord RecordFunc,
) error {
	attachErr := func(err error) error {
		return &StreamError{Kind: StreamAttachFailed, Target: target, Err: err}
	}

	format, err := p.formats.Lookup(target)
	if err != nil {
		return attachErr(fmt.Errorf("event does not exist: %w", err))
	}

	var filterProg *vm.Program
	if p.opts.filter != "" {
		if filterProg, err = expr.Compile(p.opts.filter); err != nil {
			return attachErr(fmt.Errorf("bad record filter: %w", err))
		}
	}

	pipeFile, err := p.fs.OpenPipe(InstancePath(instance.Name(), "trace_pipe"))
	if err != nil {
		return attachErr(err)
	}
	defer pipeFile.Close()

	if err = instance.beginStreaming(); err != nil {
		return attachErr(err)
	}
	defer instance.endStreaming()

	pipeFD := int(pipeFile.Fd())
	unix.SetNonblock(pipeFD, true)

	glog.V(1).Infof("Streaming %s from instance %q every %v",
		target, instance.Name(), p.opts.pollInterval)

	var pending []byte
	pollfds := []unix.PollFd{
		{Fd: int32(pipeFD), Events: unix.POLLIN},
		{Fd: int32(p.wakeupR), Events: unix.POLLIN},
	}
	timeoutMs := int(p.opts.pollInterval / time.Millisecond)

	for !p.Stopped() {
		pending, err = p.drain(pipeFD, pending, format, target, filterProg, onRecord)
		if err != nil {
			return &StreamError{Kind: StreamInterrupted, Target: target, Err: err}
		}
		if p.Stopped() {
			break
		}

		pollfds[0].Revents = 0
		pollfds[1].Revents = 0
		if _, err = unix.Poll(pollfds, timeoutMs); err != nil && err != unix.EINTR {
			return &StreamError{Kind: StreamInterrupted, Target: target, Err: err}
		}
		if pollfds[1].Revents&unix.POLLIN != 0 {
			var buf [16]byte
			unix.Read(p.wakeupR, buf[:])
		}
	}
	return nil
}

// drain reads every buffered record from the pipe, dispatching complete
// lines and carrying any trailing partial line over to the next pass. A
// record that fails to decode is reported to the error sink and skipped.
func (p *StreamProcessor) drain(
	pipeFD int,
	pending []byte,
	format *EventFormat,
	target EventID,
	filterProg *vm.Program,
	onRecord RecordFunc,
) ([]byte, error) {
	buf := make([]byte, 64*1024)
	for !p.Stopped() {
		n, err := unix.Read(pipeFD, buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				nl := bytes.IndexByte(pending, '\n')
				if nl < 0 {
					break
				}
				line := string(pending[:nl])
				pending = pending[nl+1:]
				p.dispatchLine(line, format, target, filterProg, onRecord)
			}
		}
		switch err {
		case nil:
			if n == 0 {
				return pending, nil
			}
		case unix.EAGAIN:
			return pending, nil
		case unix.EINTR:
			continue
		default:
			return pending, err
		}
	}
	return pending, nil
}

func (p *StreamProcessor) dispatchLine(
	line string,
	format *EventFormat,
	target EventID,
	filterProg *vm.Program,
	onRecord RecordFunc,
) {
	trimmed := bytes.TrimSpace([]byte(line))
	if len(trimmed) == 0 || trimmed[0] == '#' {
		return
	}

	record, err := ParseRecord(line, format)
	if err != nil {
		p.opts.errorSink(err)
		return
	}
	if record.Event != target.Name {
		// Another event enabled in the instance; not ours to decode.
		return
	}

	if filterProg != nil {
		result, err := expr.Run(filterProg, record.Fields())
		if err != nil {
			p.opts.errorSink(fmt.Errorf("record filter: %w", err))
			return
		}
		if keep, ok := result.(bool); !ok || !keep {
			return
		}
	}

	onRecord(record)
}

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
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/golang/glog"
)

// InstanceState tracks the lifecycle of a tracing instance. Transitions only
// move forward, except that a Stopped instance may re-enter Streaming.
type InstanceState int

const (
	// InstanceCreated means the instance directory exists.
	InstanceCreated InstanceState = iota

	// InstanceConfigured means the enabled-event set has been restricted.
	InstanceConfigured

	// InstanceStreaming means a stream processor is draining the
	// instance.
	InstanceStreaming

	// InstanceStopped means a stream finished; the instance may stream
	// again or be destroyed.
	InstanceStopped

	// InstanceDestroyed is terminal.
	InstanceDestroyed
)

// Instance is an isolated, named tracing session. The instance exclusively
// manages its enabled-event set so unrelated system tracing never leaks into
// a capture.
type Instance struct {
	name     string
	fs       FileSystem
	state    InstanceState
	bufferOn bool
	enabled  map[EventID]struct{}
}

// CreateInstance allocates a new named tracing instance.
func CreateInstance(fs FileSystem, name string) (*Instance, error) {
	if name == "" {
		return nil, &InstanceError{Instance: name, Reason: "name is empty"}
	}

	glog.V(1).Infof("Creating tracing instance %q", name)
	if err := fs.Mkdir(InstancePath(name, "")); err != nil {
		reason := "cannot allocate instance"
		if errors.Is(err, os.ErrExist) {
			reason = "instance name already in use"
		}
		return nil, &InstanceError{Instance: name, Reason: reason, Err: err}
	}

	return &Instance{
		name:    name,
		fs:      fs,
		state:   InstanceCreated,
		enabled: make(map[EventID]struct{}),
	}, nil
}

// Name returns the instance name.
func (i *Instance) Name() string { return i.name }

// State returns the instance's lifecycle state.
func (i *Instance) State() InstanceState { return i.state }

// BufferOn reports whether the instance's trace buffer is recording.
func (i *Instance) BufferOn() bool { return i.bufferOn }

// EnabledEvents returns the events currently enabled in the instance, in
// stable order.
func (i *Instance) EnabledEvents() []EventID {
	events := make([]EventID, 0, len(i.enabled))
	for id := range i.enabled {
		events = append(events, id)
	}
	sort.Slice(events, func(a, b int) bool {
		return events[a].String() < events[b].String()
	})
	return events
}

// path returns the instance-relative location of a tracing file.
func (i *Instance) path(relPath string) string {
	return InstancePath(i.name, relPath)
}

// RestrictEventsTo first disables every event in the instance and then
// enables exactly the requested set. If any event cannot be enabled the
// instance is left with the disable-all step applied and an
// EventConfigError naming every failed event is returned.
func (i *Instance) RestrictEventsTo(events ...EventID) error {
	if i.state == InstanceDestroyed {
		return &EventConfigError{
			Instance: i.name,
			Failed:   events,
			Err:      errors.New("instance is destroyed"),
		}
	}

	// Disable-all runs even when enabling is doomed to fail so the
	// instance always ends in the safest state.
	if err := i.fs.WriteFile(i.path("events/enable"), "0"); err != nil {
		return &EventConfigError{
			Instance: i.name,
			Failed:   events,
			Err:      fmt.Errorf("cannot disable events: %w", err),
		}
	}
	i.enabled = make(map[EventID]struct{})

	var failed []EventID
	var firstErr error
	for _, id := range events {
		enablePath := i.path(EventPath(id, "enable"))
		if !i.fs.Exists(enablePath) {
			failed = append(failed, id)
			if firstErr == nil {
				firstErr = fmt.Errorf("events/%s does not exist", id)
			}
			continue
		}
		if err := i.fs.WriteFile(enablePath, "1"); err != nil {
			failed = append(failed, id)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		i.enabled[id] = struct{}{}
	}

	if len(failed) > 0 {
		return &EventConfigError{Instance: i.name, Failed: failed, Err: firstErr}
	}

	if i.state == InstanceCreated {
		i.state = InstanceConfigured
	}
	glog.V(1).Infof("Instance %q restricted to %v", i.name, i.EnabledEvents())
	return nil
}

// SetBufferOn switches the instance's trace buffer. Turning the buffer on
// first clears its prior contents so a fresh capture never observes stale
// records. Turning it off is idempotent.
func (i *Instance) SetBufferOn(on bool) error {
	if i.state == InstanceDestroyed {
		return &BufferError{
			Instance: i.name,
			On:       on,
			Err:      errors.New("instance is destroyed"),
		}
	}

	if on {
		if err := i.fs.TruncateFile(i.path("trace")); err != nil {
			return &BufferError{
				Instance: i.name,
				On:       on,
				Err:      fmt.Errorf("cannot clear trace buffer: %w", err),
			}
		}
		if err := i.fs.WriteFile(i.path("tracing_on"), "1"); err != nil {
			return &BufferError{Instance: i.name, On: on, Err: err}
		}
		i.bufferOn = true
		return nil
	}

	if err := i.fs.WriteFile(i.path("tracing_on"), "0"); err != nil {
		return &BufferError{Instance: i.name, On: on, Err: err}
	}
	i.bufferOn = false
	return nil
}

// Destroy releases the instance. The buffer must be switched off first;
// destroying a recording instance is rejected. Destroying an already
// destroyed instance is a no-op.
func (i *Instance) Destroy() error {
	if i.state == InstanceDestroyed {
		return nil
	}
	if i.bufferOn {
		return &TeardownError{
			Resource: "instance " + i.name,
			Err:      errors.New("trace buffer is still on"),
		}
	}
	if i.state == InstanceStreaming {
		return &TeardownError{
			Resource: "instance " + i.name,
			Err:      errors.New("instance is streaming"),
		}
	}

	i.state = InstanceDestroyed
	glog.V(1).Infof("Destroying tracing instance %q", i.name)
	if err := i.fs.Rmdir(i.path("")); err != nil {
		return &TeardownError{Resource: "instance " + i.name, Err: err}
	}
	return nil
}

// beginStreaming transitions the instance into the Streaming state. Only a
// configured or stopped instance can start streaming.
func (i *Instance) beginStreaming() error {
	switch i.state {
	case InstanceConfigured, InstanceStopped:
		i.state = InstanceStreaming
		return nil
	default:
		return fmt.Errorf("instance %s cannot stream in state %d",
			i.name, i.state)
	}
}

// endStreaming transitions Streaming back to Stopped.
func (i *Instance) endStreaming() {
	if i.state == InstanceStreaming {
		i.state = InstanceStopped
	}
}

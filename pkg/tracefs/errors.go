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
	"fmt"
	"strings"
)

// RegistrationError is returned when a dynamic probe or synthetic event
// cannot be created: the event name collides, the target symbol or a field
// reference is invalid, or the kernel rejected the definition. Diag carries
// the subsystem's last-error diagnostic when one is available.
type RegistrationError struct {
	Event  string
	Reason string
	Diag   string
	Err    error
}

func (e *RegistrationError) Error() string {
	msg := fmt.Sprintf("registering %s: %s", e.Event, e.Reason)
	if e.Diag != "" {
		msg += fmt.Sprintf(" (%s)", e.Diag)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// DefinitionError is returned by SynthBuilder.Define when a synthetic event
// definition is invalid. It is always detected before anything is written to
// the tracing filesystem.
type DefinitionError struct {
	Synth  string
	Reason string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("defining synthetic event %s: %s", e.Synth, e.Reason)
}

// InstanceError is returned when a tracing instance cannot be allocated.
type InstanceError struct {
	Instance string
	Reason   string
	Err      error
}

func (e *InstanceError) Error() string {
	msg := fmt.Sprintf("instance %s: %s", e.Instance, e.Reason)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *InstanceError) Unwrap() error { return e.Err }

// EventConfigError is returned by Instance.RestrictEventsTo. Failed names
// every event that could not be enabled.
type EventConfigError struct {
	Instance string
	Failed   []EventID
	Err      error
}

func (e *EventConfigError) Error() string {
	names := make([]string, len(e.Failed))
	for i, id := range e.Failed {
		names[i] = id.String()
	}
	msg := fmt.Sprintf("instance %s: cannot enable %s",
		e.Instance, strings.Join(names, ", "))
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *EventConfigError) Unwrap() error { return e.Err }

// BufferError is returned when the per-instance trace buffer cannot be
// cleared or toggled.
type BufferError struct {
	Instance string
	On       bool
	Err      error
}

func (e *BufferError) Error() string {
	verb := "disabling"
	if e.On {
		verb = "enabling"
	}
	return fmt.Sprintf("%s trace buffer for instance %s: %v",
		verb, e.Instance, e.Err)
}

func (e *BufferError) Unwrap() error { return e.Err }

// StreamErrorKind discriminates stream failures.
type StreamErrorKind int

const (
	// StreamAttachFailed indicates the decoder could not attach to the
	// target event before any polling began.
	StreamAttachFailed StreamErrorKind = iota

	// StreamInterrupted indicates the polling loop failed unexpectedly
	// partway through streaming.
	StreamInterrupted
)

// StreamError is returned by StreamProcessor.Stream. A clean, requested stop
// is not an error and returns nil instead.
type StreamError struct {
	Kind   StreamErrorKind
	Target EventID
	Err    error
}

func (e *StreamError) Error() string {
	switch e.Kind {
	case StreamAttachFailed:
		return fmt.Sprintf("cannot attach to event %s: %v", e.Target, e.Err)
	default:
		return fmt.Sprintf("streaming %s interrupted: %v", e.Target, e.Err)
	}
}

func (e *StreamError) Unwrap() error { return e.Err }

// TeardownError is returned when a resource cannot be destroyed. It is
// always reported and never promoted to a fatal condition; callers continue
// tearing down the remaining resources.
type TeardownError struct {
	Resource string
	Busy     bool
	Err      error
}

func (e *TeardownError) Error() string {
	if e.Busy {
		return fmt.Sprintf("destroying %s: still in use", e.Resource)
	}
	return fmt.Sprintf("destroying %s: %v", e.Resource, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// PipelineError aggregates a primary setup or streaming failure with any
// teardown failures that occurred while unwinding. Either part may be empty,
// but never both.
type PipelineError struct {
	Primary  error
	Teardown []error
}

func (e *PipelineError) Error() string {
	var sb strings.Builder
	if e.Primary != nil {
		sb.WriteString(e.Primary.Error())
	} else {
		sb.WriteString("capture pipeline teardown failed")
	}
	for _, te := range e.Teardown {
		sb.WriteString("; ")
		sb.WriteString(te.Error())
	}
	return sb.String()
}

func (e *PipelineError) Unwrap() error { return e.Primary }

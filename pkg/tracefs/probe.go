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
	"strings"

	"github.com/golang/glog"
)

// ProbeKind selects where a dynamic probe fires.
type ProbeKind int

const (
	// ProbeEntry fires when the target symbol is entered (kprobe).
	ProbeEntry ProbeKind = iota

	// ProbeReturn fires when the target symbol returns (kretprobe).
	ProbeReturn
)

// DefaultProbeSystem is the subsystem dynamic probe events are created under
// when a descriptor does not name one.
const DefaultProbeSystem = "kprobes"

// ProbeDescriptor is an immutable description of a dynamic probe point. See
// Documentation/trace/kprobetrace.rst for the probe-point expression syntax
// accepted in ArgFormat.
type ProbeDescriptor struct {
	Kind         ProbeKind
	System       string
	Event        string
	Symbol       string
	ArgFormat    string
	MaxInstances uint
}

// ID returns the event identity the probe registers under.
func (d ProbeDescriptor) ID() EventID {
	system := d.System
	if system == "" {
		system = DefaultProbeSystem
	}
	return EventID{System: system, Name: d.Event}
}

// Validate checks that the descriptor is non-empty and that ArgFormat only
// references argument slots available to the probe kind.
func (d ProbeDescriptor) Validate() error {
	if d.Event == "" {
		return errors.New("probe event name is empty")
	}
	if d.Symbol == "" {
		return errors.New("probe target symbol is empty")
	}
	switch d.Kind {
	case ProbeEntry:
		if strings.Contains(d.ArgFormat, "$retval") {
			return errors.New("$retval is only available to return probes")
		}
	case ProbeReturn:
		if strings.Contains(d.ArgFormat, "$arg") {
			return errors.New("$argN is not available to return probes")
		}
	default:
		return fmt.Errorf("unknown probe kind %d", d.Kind)
	}
	return nil
}

// definition renders the kprobe_events command that materializes the probe.
func (d ProbeDescriptor) definition() string {
	var sb strings.Builder
	if d.Kind == ProbeReturn {
		sb.WriteByte('r')
		if d.MaxInstances > 0 {
			fmt.Fprintf(&sb, "%d", d.MaxInstances)
		}
	} else {
		sb.WriteByte('p')
	}
	fmt.Fprintf(&sb, ":%s %s", d.ID(), d.Symbol)
	if args := strings.Join(strings.Fields(d.ArgFormat), " "); args != "" {
		sb.WriteByte(' ')
		sb.WriteString(args)
	}
	return sb.String()
}

// DynamicEventState tracks the lifecycle of a registered probe event.
type DynamicEventState int

const (
	// DynamicEventUnregistered is the zero state; the event is not known
	// to the kernel.
	DynamicEventUnregistered DynamicEventState = iota

	// DynamicEventRegistered means the kernel-visible event exists.
	DynamicEventRegistered

	// DynamicEventDestroyed is terminal. A destroyed event handle must
	// not be used again.
	DynamicEventDestroyed
)

// DynamicEvent is the handle for a registered dynamic probe event. It is
// owned exclusively by the caller of ProbeManager.Register.
type DynamicEvent struct {
	Descriptor ProbeDescriptor

	state DynamicEventState
}

// State returns the event's lifecycle state.
func (e *DynamicEvent) State() DynamicEventState {
	return e.state
}

// ProbeManager creates and destroys kernel-visible dynamic probe events.
type ProbeManager struct {
	fs FileSystem
}

// NewProbeManager returns a ProbeManager operating on fs.
func NewProbeManager(fs FileSystem) *ProbeManager {
	return &ProbeManager{fs: fs}
}

// Register materializes the described probe as a kernel event and returns
// its handle in the Registered state. The event name must be unique within
// its probe system.
func (m *ProbeManager) Register(desc ProbeDescriptor) (*DynamicEvent, error) {
	if err := desc.Validate(); err != nil {
		return nil, &RegistrationError{
			Event:  desc.ID().String(),
			Reason: "invalid probe descriptor",
			Err:    err,
		}
	}

	id := desc.ID()
	if m.fs.Exists(EventPath(id, "format")) {
		return nil, &RegistrationError{
			Event:  id.String(),
			Reason: "event name already in use",
		}
	}

	definition := desc.definition()
	glog.V(1).Infof("Adding probe: '%s'", definition)
	if err := m.fs.AppendFile("kprobe_events", definition+"\n"); err != nil {
		return nil, &RegistrationError{
			Event:  id.String(),
			Reason: "kernel rejected probe definition",
			Diag:   m.fs.LastError(),
			Err:    err,
		}
	}

	return &DynamicEvent{
		Descriptor: desc,
		state:      DynamicEventRegistered,
	}, nil
}

// Destroy removes the probe event from the kernel. Destroying an already
// destroyed event is a no-op. With force false, an event that still has
// enabled consumers is left in place and a busy TeardownError is returned.
// On any other failure the handle still transitions to Destroyed so callers
// cannot retry indefinitely on a leaked event; the failure is reported but
// the handle is unusable.
func (m *ProbeManager) Destroy(event *DynamicEvent, force bool) error {
	if event.state == DynamicEventDestroyed {
		return nil
	}

	id := event.Descriptor.ID()
	if !force && m.eventBusy(id) {
		return &TeardownError{Resource: "probe " + id.String(), Busy: true}
	}

	event.state = DynamicEventDestroyed
	glog.V(1).Infof("Removing probe: '%s'", id)
	if err := m.fs.AppendFile("kprobe_events", fmt.Sprintf("-:%s\n", id)); err != nil {
		return &TeardownError{Resource: "probe " + id.String(), Err: err}
	}
	return nil
}

// eventBusy reports whether the event still has consumers attached in the
// top-level tracing session or any instance.
func (m *ProbeManager) eventBusy(id EventID) bool {
	paths := []string{EventPath(id, "enable")}
	if instances, err := m.fs.ReadDir("instances"); err == nil {
		for _, instance := range instances {
			paths = append(paths,
				InstancePath(instance, EventPath(id, "enable")))
		}
	}

	for _, path := range paths {
		data, err := m.fs.ReadFile(path)
		if err == nil && strings.Contains(string(data), "1") {
			return true
		}
	}
	return false
}

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

	"github.com/golang/glog"
)

// SyntheticSystem is the subsystem synthetic events appear under.
const SyntheticSystem = "synthetic"

// TimestampField and TimestampUsecsField are hist trigger pseudo-fields
// available on every event, carrying the record's trace clock timestamp.
const (
	TimestampField      = "common_timestamp"
	TimestampUsecsField = "common_timestamp.usecs"
)

// CompareOp computes a synthetic output field from a start-event value and
// an end-event value.
type CompareOp int

const (
	// CompareDeltaEnd computes end minus start.
	CompareDeltaEnd CompareOp = iota

	// CompareDeltaStart computes start minus end.
	CompareDeltaStart

	// CompareAdd computes end plus start.
	CompareAdd
)

// SynthField pairs a start-event field with an end-event field and the
// operation combining them into one output field of the synthetic event.
type SynthField struct {
	Start  string
	End    string
	Op     CompareOp
	Output string
}

// SynthDescriptor describes a synthetic event derived from a start/end
// event pair joined on a shared key field.
type SynthDescriptor struct {
	Name string

	// Start and End name the paired events. An empty System is resolved
	// by searching the events directory.
	Start EventID
	End   EventID

	// JoinField is the key matching an end record to its start record,
	// e.g. common_pid. It must be a field of both events.
	JoinField string

	// JoinOutput names the synthetic event field carrying the join key.
	// Defaults to the join field name without its common_ prefix.
	JoinOutput string

	// Fields are the computed output fields, in declaration order.
	Fields []SynthField
}

// SynthState tracks the lifecycle of a synthetic event.
type SynthState int

const (
	// SynthDefined means the definition is validated but not registered.
	SynthDefined SynthState = iota

	// SynthCreated means the event is registered with the kernel.
	SynthCreated

	// SynthDestroyed is terminal.
	SynthDestroyed
)

// SyntheticEvent is the handle for a defined synthetic event. It is owned
// by whoever obtained it from SynthBuilder.Define until handed off for
// teardown.
type SyntheticEvent struct {
	Descriptor SynthDescriptor

	state       SynthState
	joinType    string
	startFields map[string]FieldFormat
}

// State returns the synthetic event's lifecycle state.
func (s *SyntheticEvent) State() SynthState { return s.state }

// ID returns the event identity the synthetic event registers under.
func (s *SyntheticEvent) ID() EventID {
	return EventID{System: SyntheticSystem, Name: s.Descriptor.Name}
}

// SynthBuilder defines and registers synthetic events.
type SynthBuilder struct {
	fs      FileSystem
	formats *FormatCache
}

// NewSynthBuilder returns a SynthBuilder operating on fs.
func NewSynthBuilder(fs FileSystem) *SynthBuilder {
	return &SynthBuilder{fs: fs, formats: NewFormatCache(fs)}
}

// Define validates a synthetic event definition and returns its handle in
// the Defined state. Nothing is registered with the kernel; all field
// references are checked here so an invalid definition never turns into a
// hard-to-diagnose registration failure later.
func (b *SynthBuilder) Define(desc SynthDescriptor) (*SyntheticEvent, error) {
	fail := func(reason string) (*SyntheticEvent, error) {
		return nil, &DefinitionError{Synth: desc.Name, Reason: reason}
	}

	if desc.Name == "" {
		return fail("synthetic event name is empty")
	}
	if len(desc.Fields) == 0 {
		return fail("no compare fields")
	}
	if desc.JoinField == "" {
		return fail("no join field")
	}

	var err error
	if desc.Start, err = b.formats.Resolve(desc.Start); err != nil {
		return fail(fmt.Sprintf("unknown start event: %v", err))
	}
	if desc.End, err = b.formats.Resolve(desc.End); err != nil {
		return fail(fmt.Sprintf("unknown end event: %v", err))
	}

	startFormat, err := b.formats.Lookup(desc.Start)
	if err != nil {
		return fail(fmt.Sprintf("cannot read start event format: %v", err))
	}
	endFormat, err := b.formats.Lookup(desc.End)
	if err != nil {
		return fail(fmt.Sprintf("cannot read end event format: %v", err))
	}

	joinField, ok := startFormat.Field(desc.JoinField)
	if !ok {
		return fail(fmt.Sprintf("join field %s is not a field of start event %s",
			desc.JoinField, desc.Start))
	}
	if _, ok = endFormat.Field(desc.JoinField); !ok {
		return fail(fmt.Sprintf("join field %s is not a field of end event %s",
			desc.JoinField, desc.End))
	}

	for _, f := range desc.Fields {
		if f.Output == "" {
			return fail("compare field has no output name")
		}
		if !comparable(startFormat, f.Start) {
			return fail(fmt.Sprintf(
				"start field %s is not comparable on %s (timestamp-like field required)",
				f.Start, desc.Start))
		}
		if !comparable(endFormat, f.End) {
			return fail(fmt.Sprintf(
				"end field %s is not comparable on %s (timestamp-like field required)",
				f.End, desc.End))
		}
	}

	if desc.JoinOutput == "" {
		desc.JoinOutput = strings.TrimPrefix(desc.JoinField, "common_")
	}

	return &SyntheticEvent{
		Descriptor: desc,
		joinType:   synthFieldType(joinField),
	}, nil
}

// comparable reports whether a field supports delta computation. Only
// timestamp-like values do: the hist trigger timestamp pseudo-fields and
// 64-bit unsigned counters.
func comparable(ef *EventFormat, name string) bool {
	if name == TimestampField || name == TimestampUsecsField {
		return true
	}
	f, ok := ef.Field(name)
	return ok && !f.IsString() && !f.Signed && f.Size == 8
}

// synthFieldType maps a field declaration to a synthetic event field type.
func synthFieldType(f FieldFormat) string {
	prefix := "u"
	if f.Signed {
		prefix = "s"
	}
	switch f.Size {
	case 1, 2, 4:
		return fmt.Sprintf("%s%d", prefix, f.Size*8)
	default:
		return prefix + "64"
	}
}

// definition renders the synthetic_events command declaring the event's
// output fields: the join key first, then each computed field.
func (s *SyntheticEvent) definition() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s", s.Descriptor.Name, s.joinType,
		s.Descriptor.JoinOutput)
	for _, f := range s.Descriptor.Fields {
		fmt.Fprintf(&sb, "; u64 %s", f.Output)
	}
	return sb.String()
}

// startVar names the hist trigger variable holding a start-event value.
func startVar(output string) string {
	return "__" + output + "_start"
}

// startTrigger renders the hist trigger saving start-event values keyed by
// the join field.
func (s *SyntheticEvent) startTrigger() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "hist:keys=%s", s.Descriptor.JoinField)
	for _, f := range s.Descriptor.Fields {
		fmt.Fprintf(&sb, ":%s=%s", startVar(f.Output), f.Start)
	}
	return sb.String()
}

// endTrigger renders the hist trigger computing the output fields and
// tracing the synthetic event when an end record matches a saved start.
func (s *SyntheticEvent) endTrigger() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "hist:keys=%s", s.Descriptor.JoinField)
	for _, f := range s.Descriptor.Fields {
		switch f.Op {
		case CompareDeltaStart:
			fmt.Fprintf(&sb, ":%s=$%s-%s", f.Output, startVar(f.Output), f.End)
		case CompareAdd:
			fmt.Fprintf(&sb, ":%s=%s+$%s", f.Output, f.End, startVar(f.Output))
		default:
			fmt.Fprintf(&sb, ":%s=%s-$%s", f.Output, f.End, startVar(f.Output))
		}
	}
	fmt.Fprintf(&sb, ":onmatch(%s.%s).trace(%s,%s",
		s.Descriptor.Start.System, s.Descriptor.Start.Name,
		s.Descriptor.Name, s.Descriptor.JoinField)
	for _, f := range s.Descriptor.Fields {
		fmt.Fprintf(&sb, ",$%s", f.Output)
	}
	sb.WriteByte(')')
	return sb.String()
}

// Create registers the synthetic event and its start/end hist triggers with
// the kernel. Failure semantics mirror probe registration: a name collision
// or a field reference the kernel rejects surfaces as a RegistrationError
// carrying the subsystem diagnostic.
func (b *SynthBuilder) Create(event *SyntheticEvent) error {
	name := event.Descriptor.Name
	if event.state == SynthDestroyed {
		return &RegistrationError{
			Event:  name,
			Reason: "synthetic event handle already destroyed",
		}
	}
	if b.fs.Exists(EventPath(event.ID(), "format")) {
		return &RegistrationError{
			Event:  name,
			Reason: "event name already in use",
		}
	}

	definition := event.definition()
	glog.V(1).Infof("Adding synthetic event: '%s'", definition)
	if err := b.fs.AppendFile("synthetic_events", definition+"\n"); err != nil {
		return &RegistrationError{
			Event:  name,
			Reason: "kernel rejected synthetic event definition",
			Diag:   b.fs.LastError(),
			Err:    err,
		}
	}

	startPath := EventPath(event.Descriptor.Start, "trigger")
	if err := b.fs.AppendFile(startPath, event.startTrigger()+"\n"); err != nil {
		b.fs.AppendFile("synthetic_events", "!"+name+"\n")
		return &RegistrationError{
			Event:  name,
			Reason: fmt.Sprintf("cannot install start trigger on %s",
				event.Descriptor.Start),
			Diag: b.fs.LastError(),
			Err:  err,
		}
	}

	endPath := EventPath(event.Descriptor.End, "trigger")
	if err := b.fs.AppendFile(endPath, event.endTrigger()+"\n"); err != nil {
		b.fs.AppendFile(startPath, "!"+event.startTrigger()+"\n")
		b.fs.AppendFile("synthetic_events", "!"+name+"\n")
		return &RegistrationError{
			Event:  name,
			Reason: fmt.Sprintf("cannot install end trigger on %s",
				event.Descriptor.End),
			Diag: b.fs.LastError(),
			Err:  err,
		}
	}

	event.state = SynthCreated
	return nil
}

// Destroy unregisters the synthetic event, removing the triggers in reverse
// creation order before the event definition itself. Destroying an already
// destroyed (or never created) event is a no-op. Failures never stop the
// remaining removal steps.
func (b *SynthBuilder) Destroy(event *SyntheticEvent) error {
	if event.state != SynthCreated {
		event.state = SynthDestroyed
		return nil
	}
	event.state = SynthDestroyed

	name := event.Descriptor.Name
	glog.V(1).Infof("Removing synthetic event: '%s'", name)

	var firstErr error
	endPath := EventPath(event.Descriptor.End, "trigger")
	if err := b.fs.AppendFile(endPath, "!"+event.endTrigger()+"\n"); err != nil {
		firstErr = fmt.Errorf("end trigger: %w", err)
	}
	startPath := EventPath(event.Descriptor.Start, "trigger")
	if err := b.fs.AppendFile(startPath, "!"+event.startTrigger()+"\n"); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("start trigger: %w", err)
	}
	if err := b.fs.AppendFile("synthetic_events", "!"+name+"\n"); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		return &TeardownError{
			Resource: "synthetic event " + name,
			Err:      firstErr,
		}
	}
	return nil
}

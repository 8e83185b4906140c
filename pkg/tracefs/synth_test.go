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
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mmapLockFormat = `name: %s
ID: 500
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

	field:unsigned long mm;	offset:8;	size:8;	signed:0;
	field:bool write;	offset:16;	size:1;	signed:0;

print fmt: "mm=%lx"
`

func synthFixture(t *testing.T) (*TestFileSystem, *SynthBuilder) {
	fs := NewTestFileSystem()
	fs.AddEventFormat(EventID{System: "mmap_lock", Name: "mmap_lock_start_locking"},
		strings.ReplaceAll(mmapLockFormat, "%s", "mmap_lock_start_locking"))
	fs.AddEventFormat(EventID{System: "mmap_lock", Name: "mmap_lock_released"},
		strings.ReplaceAll(mmapLockFormat, "%s", "mmap_lock_released"))
	return fs, NewSynthBuilder(fs)
}

func pageFaultLat() SynthDescriptor {
	return SynthDescriptor{
		Name:      "page_fault_lat",
		Start:     EventID{Name: "mmap_lock_start_locking"},
		End:       EventID{Name: "mmap_lock_released"},
		JoinField: "common_pid",
		Fields: []SynthField{{
			Start:  TimestampUsecsField,
			End:    TimestampUsecsField,
			Op:     CompareDeltaEnd,
			Output: "delta",
		}},
	}
}

func TestSynthDefine(t *testing.T) {
	fs, builder := synthFixture(t)

	event, err := builder.Define(pageFaultLat())
	require.NoError(t, err)
	assert.Equal(t, SynthDefined, event.State())
	assert.Equal(t, EventID{System: "synthetic", Name: "page_fault_lat"},
		event.ID())

	// Bare event names were resolved to their subsystems.
	assert.Equal(t, "mmap_lock", event.Descriptor.Start.System)
	assert.Equal(t, "mmap_lock", event.Descriptor.End.System)

	// The join output name defaults to the join field without its
	// common_ prefix.
	assert.Equal(t, "pid", event.Descriptor.JoinOutput)

	// Defining writes nothing.
	assert.Empty(t, fs.Writes)
}

func TestSynthDefineRejectsBadDescriptors(t *testing.T) {
	fs, builder := synthFixture(t)

	testCases := []struct {
		name   string
		mutate func(*SynthDescriptor)
		reason string
	}{
		{
			name:   "empty name",
			mutate: func(d *SynthDescriptor) { d.Name = "" },
			reason: "name is empty",
		},
		{
			name:   "no fields",
			mutate: func(d *SynthDescriptor) { d.Fields = nil },
			reason: "no compare fields",
		},
		{
			name:   "no join field",
			mutate: func(d *SynthDescriptor) { d.JoinField = "" },
			reason: "no join field",
		},
		{
			name:   "unknown start event",
			mutate: func(d *SynthDescriptor) { d.Start.Name = "nope" },
			reason: "unknown start event",
		},
		{
			name:   "unknown end event",
			mutate: func(d *SynthDescriptor) { d.End.Name = "nope" },
			reason: "unknown end event",
		},
		{
			name:   "join field missing from events",
			mutate: func(d *SynthDescriptor) { d.JoinField = "vaddr" },
			reason: "join field vaddr",
		},
		{
			name: "non-comparable start field",
			mutate: func(d *SynthDescriptor) {
				d.Fields[0].Start = "write"
			},
			reason: "not comparable",
		},
		{
			name: "output name missing",
			mutate: func(d *SynthDescriptor) {
				d.Fields[0].Output = ""
			},
			reason: "no output name",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			desc := pageFaultLat()
			tc.mutate(&desc)

			_, err := builder.Define(desc)
			var defErr *DefinitionError
			require.ErrorAs(t, err, &defErr)
			assert.Contains(t, defErr.Error(), tc.reason)
		})
	}

	// Rejected definitions never touch the filesystem.
	assert.Empty(t, fs.Writes)
}

func TestSynthDefineJoinFieldMissingFromEndEvent(t *testing.T) {
	fs, builder := synthFixture(t)
	fs.AddEventFormat(EventID{System: "mmap_lock", Name: "mmap_lock_bare"},
		`name: mmap_lock_bare
ID: 501
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

print fmt: "bare"
`)

	// The join field exists on the start event only.
	desc := pageFaultLat()
	desc.End = EventID{Name: "mmap_lock_bare"}
	desc.JoinField = "mm"

	_, err := builder.Define(desc)
	var defErr *DefinitionError
	require.ErrorAs(t, err, &defErr)
	assert.Contains(t, defErr.Error(), "end event")

	// The invalid definition never reached the filesystem.
	assert.Empty(t, fs.Writes)
}

func TestSynthComparableFields(t *testing.T) {
	_, builder := synthFixture(t)

	// An unsigned 64-bit counter field is comparable too.
	desc := pageFaultLat()
	desc.Fields[0].Start = "mm"
	desc.Fields[0].End = "mm"
	_, err := builder.Define(desc)
	assert.NoError(t, err)
}

func TestSynthTriggers(t *testing.T) {
	_, builder := synthFixture(t)

	event, err := builder.Define(pageFaultLat())
	require.NoError(t, err)

	assert.Equal(t, "page_fault_lat s32 pid; u64 delta", event.definition())
	assert.Equal(t,
		"hist:keys=common_pid:__delta_start=common_timestamp.usecs",
		event.startTrigger())
	assert.Equal(t,
		"hist:keys=common_pid:delta=common_timestamp.usecs-$__delta_start"+
			":onmatch(mmap_lock.mmap_lock_start_locking)"+
			".trace(page_fault_lat,common_pid,$delta)",
		event.endTrigger())
}

func TestSynthCreate(t *testing.T) {
	fs, builder := synthFixture(t)

	event, err := builder.Define(pageFaultLat())
	require.NoError(t, err)
	require.NoError(t, builder.Create(event))
	assert.Equal(t, SynthCreated, event.State())

	// The event is registered and queryable like any other event.
	assert.True(t, fs.Exists("events/synthetic/page_fault_lat/format"))

	format, err := NewFormatCache(fs).Lookup(event.ID())
	require.NoError(t, err)
	assert.True(t, format.HasField("pid"))
	assert.True(t, format.HasField("delta"))

	start, _ := fs.FileContents("events/mmap_lock/mmap_lock_start_locking/trigger")
	assert.Contains(t, start, event.startTrigger())
	end, _ := fs.FileContents("events/mmap_lock/mmap_lock_released/trigger")
	assert.Contains(t, end, event.endTrigger())
}

func TestSynthCreateNameCollision(t *testing.T) {
	_, builder := synthFixture(t)

	first, err := builder.Define(pageFaultLat())
	require.NoError(t, err)
	require.NoError(t, builder.Create(first))

	second, err := builder.Define(pageFaultLat())
	require.NoError(t, err)
	err = builder.Create(second)

	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Contains(t, regErr.Reason, "already in use")
}

func TestSynthCreateTriggerFailureRollsBack(t *testing.T) {
	fs, builder := synthFixture(t)
	fs.FailWrites["events/mmap_lock/mmap_lock_released/trigger"] = os.ErrInvalid

	event, err := builder.Define(pageFaultLat())
	require.NoError(t, err)
	err = builder.Create(event)
	require.Error(t, err)

	// The partially created event and the start trigger were rolled back.
	assert.False(t, fs.Exists("events/synthetic/page_fault_lat/format"))
	start, _ := fs.FileContents("events/mmap_lock/mmap_lock_start_locking/trigger")
	assert.Contains(t, start, "!"+event.startTrigger())
}

func TestSynthDestroy(t *testing.T) {
	fs, builder := synthFixture(t)

	event, err := builder.Define(pageFaultLat())
	require.NoError(t, err)
	require.NoError(t, builder.Create(event))

	require.NoError(t, builder.Destroy(event))
	assert.Equal(t, SynthDestroyed, event.State())
	assert.False(t, fs.Exists("events/synthetic/page_fault_lat/format"))

	// Triggers are removed before the event definition, end before start.
	var endAt, startAt, defAt int
	for i, w := range fs.Writes {
		switch {
		case w.Path == "events/mmap_lock/mmap_lock_released/trigger" &&
			strings.HasPrefix(w.Data, "!"):
			endAt = i
		case w.Path == "events/mmap_lock/mmap_lock_start_locking/trigger" &&
			strings.HasPrefix(w.Data, "!"):
			startAt = i
		case w.Path == "synthetic_events" &&
			strings.HasPrefix(w.Data, "!"):
			defAt = i
		}
	}
	assert.Less(t, endAt, startAt)
	assert.Less(t, startAt, defAt)

	// Destroying again is a no-op.
	writes := len(fs.Writes)
	assert.NoError(t, builder.Destroy(event))
	assert.Len(t, fs.Writes, writes)
}

func TestSynthDestroyNeverCreated(t *testing.T) {
	fs, builder := synthFixture(t)

	event, err := builder.Define(pageFaultLat())
	require.NoError(t, err)

	// Destroying a defined but never created event writes nothing.
	assert.NoError(t, builder.Destroy(event))
	assert.Equal(t, SynthDestroyed, event.State())
	assert.Empty(t, fs.Writes)

	// A destroyed handle cannot be created.
	assert.Error(t, builder.Create(event))
}

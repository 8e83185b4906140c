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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const getnameprobeFormat = `name: getnameprobe
ID: 1742
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

	field:unsigned long __probe_func;	offset:8;	size:8;	signed:0;
	field:__data_loc char[] arg1;	offset:16;	size:4;	signed:0;

print fmt: "(%lx <- %lx) arg1=\"%s\"", REC->__probe_func, REC->__probe_ret_ip, __get_str(arg1)
`

func TestParseEventFormat(t *testing.T) {
	id := EventID{System: "kprobes", Name: "getnameprobe"}
	ef, err := parseEventFormat(id, getnameprobeFormat)
	require.NoError(t, err)

	assert.Equal(t, id, ef.ID)
	assert.Equal(t, uint16(1742), ef.TypeID)
	assert.Len(t, ef.Fields, 6)

	pid, ok := ef.Field("common_pid")
	require.True(t, ok)
	assert.Equal(t, "int", pid.TypeName)
	assert.Equal(t, 4, pid.Offset)
	assert.Equal(t, 4, pid.Size)
	assert.True(t, pid.Signed)
	assert.False(t, pid.IsString())

	arg1, ok := ef.Field("arg1")
	require.True(t, ok)
	assert.True(t, arg1.DataLoc)
	assert.True(t, arg1.IsString())
	assert.Equal(t, 16, arg1.Offset)
	assert.Equal(t, 4, arg1.Size)
}

func TestParseEventFormatErrors(t *testing.T) {
	id := EventID{System: "kprobes", Name: "bad"}

	_, err := parseEventFormat(id, "name: bad\nID: notanumber\nformat:\n")
	assert.Error(t, err)

	_, err = parseEventFormat(id, "name: bad\nID: 7\nformat:\n")
	assert.Error(t, err, "format with no fields must be rejected")
}

func TestParseFieldFormat(t *testing.T) {
	testCases := []struct {
		decl     string
		expected FieldFormat
	}{
		{
			decl: "field:int common_pid;\toffset:4;\tsize:4;\tsigned:1;",
			expected: FieldFormat{
				Name:     "common_pid",
				TypeName: "int",
				Offset:   4,
				Size:     4,
				Signed:   true,
			},
		},
		{
			decl: "field:__data_loc char[] arg1;\toffset:8;\tsize:4;\tsigned:0;",
			expected: FieldFormat{
				Name:     "arg1",
				TypeName: "char[]",
				Offset:   8,
				Size:     4,
				DataLoc:  true,
			},
		},
		{
			decl: "field:char comm[16];\toffset:12;\tsize:16;\tsigned:0;",
			expected: FieldFormat{
				Name:     "comm",
				TypeName: "char[16]",
				Offset:   12,
				Size:     16,
			},
		},
		{
			decl: "field:u64 delta;\toffset:16;\tsize:8;\tsigned:0;",
			expected: FieldFormat{
				Name:     "delta",
				TypeName: "u64",
				Offset:   16,
				Size:     8,
			},
		},
	}

	for _, tc := range testCases {
		field, err := parseFieldFormat(tc.decl)
		require.NoError(t, err, tc.decl)
		assert.Equal(t, tc.expected, field, tc.decl)
	}
}

func TestHasFieldTimestampPseudoFields(t *testing.T) {
	ef := &EventFormat{Fields: map[string]FieldFormat{
		"common_pid": {Name: "common_pid"},
	}}

	assert.True(t, ef.HasField("common_pid"))
	assert.True(t, ef.HasField(TimestampField))
	assert.True(t, ef.HasField(TimestampUsecsField))
	assert.False(t, ef.HasField("nonexistent"))
}

func TestFormatCacheLookup(t *testing.T) {
	fs := NewTestFileSystem()
	id := EventID{System: "kprobes", Name: "getnameprobe"}
	fs.AddEventFormat(id, getnameprobeFormat)

	cache := NewFormatCache(fs)
	ef, err := cache.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, uint16(1742), ef.TypeID)

	// Second lookup is served from the cache, not the filesystem.
	again, err := cache.Lookup(id)
	require.NoError(t, err)
	assert.Same(t, ef, again)

	_, err = cache.Lookup(EventID{System: "kprobes", Name: "nope"})
	assert.Error(t, err)
}

func TestFormatCacheResolve(t *testing.T) {
	fs := NewTestFileSystem()
	fs.AddEventFormat(EventID{System: "mmap_lock", Name: "mmap_lock_released"},
		getnameprobeFormat)

	cache := NewFormatCache(fs)

	id, err := cache.Resolve(EventID{Name: "mmap_lock_released"})
	require.NoError(t, err)
	assert.Equal(t, EventID{System: "mmap_lock", Name: "mmap_lock_released"}, id)

	// A fully qualified ID resolves to itself without any lookup.
	id, err = cache.Resolve(EventID{System: "sched", Name: "sched_switch"})
	require.NoError(t, err)
	assert.Equal(t, EventID{System: "sched", Name: "sched_switch"}, id)

	_, err = cache.Resolve(EventID{Name: "no_such_event"})
	assert.Error(t, err)
}

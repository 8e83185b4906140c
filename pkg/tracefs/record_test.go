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

func TestParseRecordKretprobe(t *testing.T) {
	line := `            bash-1234  [002] d..3. 12345.678901: getnameprobe: ` +
		`(getname+0x0/0x30 <- do_sys_openat2) arg1="/etc/passwd"`

	rec, err := ParseRecord(line, nil)
	require.NoError(t, err)

	assert.Equal(t, "getnameprobe", rec.Event)
	assert.Equal(t, 2, rec.CPU)
	assert.Equal(t, uint64(12345678901), rec.Timestamp)

	pid, err := rec.FieldInt("common_pid")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), pid)

	filename, err := rec.FieldString("arg1")
	require.NoError(t, err)
	assert.Equal(t, "/etc/passwd", filename)
}

func TestParseRecordSynthetic(t *testing.T) {
	line := `           <...>-0     [000] d..4. 1000.000123: page_fault_lat: ` +
		`pid=42 delta=128`

	rec, err := ParseRecord(line, nil)
	require.NoError(t, err)

	assert.Equal(t, "page_fault_lat", rec.Event)
	assert.Equal(t, 0, rec.CPU)

	pid, err := rec.FieldInt("pid")
	require.NoError(t, err)
	assert.Equal(t, int64(42), pid)

	delta, err := rec.FieldUint("delta")
	require.NoError(t, err)
	assert.Equal(t, uint64(128), delta)
}

func TestParseRecordQuotedValueWithSpaces(t *testing.T) {
	line := `            bash-77    [001] d..3. 1.000001: getnameprobe: ` +
		`(getname+0x0/0x30 <- x) arg1="/tmp/with space/file"`

	rec, err := ParseRecord(line, nil)
	require.NoError(t, err)

	filename, err := rec.FieldString("arg1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/with space/file", filename)
}

func TestParseRecordErrors(t *testing.T) {
	_, err := ParseRecord("not a trace record", nil)
	assert.Error(t, err)

	_, err = ParseRecord(
		`bash-1 [000] d..3. 1.000001: getnameprobe: arg1="unterminated`, nil)
	assert.Error(t, err)
}

func TestFieldAccessorsMissingField(t *testing.T) {
	line := `bash-1 [000] d..3. 1.000001: getnameprobe: arg1="/x"`
	rec, err := ParseRecord(line, nil)
	require.NoError(t, err)

	_, err = rec.FieldString("nope")
	assert.Error(t, err)
	_, err = rec.FieldInt("nope")
	assert.Error(t, err)
	_, err = rec.FieldUint("nope")
	assert.Error(t, err)

	// A non-numeric value is a decode error for integer accessors only.
	_, err = rec.FieldInt("arg1")
	assert.Error(t, err)
	_, err = rec.FieldString("arg1")
	assert.NoError(t, err)
}

func TestFieldIntHonorsDeclaredWidth(t *testing.T) {
	format := &EventFormat{Fields: map[string]FieldFormat{
		"common_pid": {Name: "common_pid", Size: 4, Signed: true},
	}}

	line := `bash-99 [000] d..3. 1.000001: getnameprobe: arg1="/x"`
	rec, err := ParseRecord(line, format)
	require.NoError(t, err)

	pid, err := rec.FieldInt("common_pid")
	require.NoError(t, err)
	assert.Equal(t, int64(99), pid)

	// Out of range for a declared 32-bit field.
	rec.raw["common_pid"] = "4294967296"
	_, err = rec.FieldInt("common_pid")
	assert.Error(t, err)
}

func TestFieldsDecodesByDeclaredType(t *testing.T) {
	format := &EventFormat{Fields: map[string]FieldFormat{
		"common_pid": {Name: "common_pid", Size: 4, Signed: true},
		"delta":      {Name: "delta", Size: 8},
		"arg1":       {Name: "arg1", DataLoc: true},
	}}

	line := `bash-42 [000] d..3. 1.000001: getnameprobe: arg1="/etc/passwd" delta=7`
	rec, err := ParseRecord(line, format)
	require.NoError(t, err)

	fields := rec.Fields()
	assert.Equal(t, int64(42), fields["common_pid"])
	assert.Equal(t, uint64(7), fields["delta"])
	assert.Equal(t, "/etc/passwd", fields["arg1"])
}

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
	"regexp"
	"strconv"
	"strings"
)

// EventRecord is a decoded view of one trace record. It is valid only for
// the duration of the callback it is passed to and must not be retained.
type EventRecord struct {
	// Event is the name of the event that produced the record.
	Event string

	// CPU is the processor the record was captured on.
	CPU int

	// Timestamp is the record's trace clock timestamp in microseconds.
	Timestamp uint64

	format *EventFormat
	raw    map[string]string
}

// recordPattern matches one line of trace_pipe output:
//
//	bash-1234  [002] d..3. 12345.678901: getnameprobe: (getname+0x0/0x30 <- ...) arg1="/etc/passwd"
var recordPattern = regexp.MustCompile(
	`^\s*(.+)-(\d+)\s+\[(\d+)\]\s+(?:[^\s:]+\s+)?(\d+\.\d+):\s+(\w+):\s*(.*)$`)

// ParseRecord decodes a single trace_pipe line. The format argument may be
// nil when the event's field declarations are unknown; typed field accessors
// then fall back to inferring types from the raw text. Most callers receive
// decoded records from a StreamProcessor rather than parsing lines
// themselves.
func ParseRecord(line string, format *EventFormat) (*EventRecord, error) {
	m := recordPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("unrecognized trace record %q", line)
	}

	cpu, _ := strconv.Atoi(m[3])
	rec := &EventRecord{
		Event:  m[5],
		CPU:    cpu,
		format: format,
		raw:    make(map[string]string),
	}

	secs := strings.SplitN(m[4], ".", 2)
	s, _ := strconv.ParseUint(secs[0], 10, 64)
	us, _ := strconv.ParseUint(secs[1], 10, 64)
	rec.Timestamp = s*1000000 + us

	// The tail pid in the task field is the pid common field.
	rec.raw["common_pid"] = m[2]

	if err := parseRecordArgs(m[6], rec.raw); err != nil {
		return rec, err
	}
	return rec, nil
}

// parseRecordArgs extracts name=value pairs from the data portion of a
// record line. Quoted values may contain spaces; unquoted values end at the
// next space. Leading text that is not a pair (such as a kretprobe's
// "(sym+0x0/0x30 <- caller)" site) is skipped.
func parseRecordArgs(data string, into map[string]string) error {
	for len(data) > 0 {
		eq := strings.IndexRune(data, '=')
		if eq < 0 {
			break
		}
		name := data[:eq]
		// Skip back past any non-identifier prefix.
		if sp := strings.LastIndexAny(name, " \t)("); sp >= 0 {
			name = name[sp+1:]
		}
		data = data[eq+1:]
		if name == "" {
			continue
		}

		var value string
		if len(data) > 0 && data[0] == '"' {
			end := strings.IndexRune(data[1:], '"')
			if end < 0 {
				return fmt.Errorf("unterminated string value for field %s", name)
			}
			value = data[1 : end+1]
			data = data[end+2:]
		} else if sp := strings.IndexRune(data, ' '); sp >= 0 {
			value = data[:sp]
			data = data[sp+1:]
		} else {
			value = data
			data = ""
		}
		into[name] = value
	}
	return nil
}

// FieldString decodes a text field by name. A missing field is a decode
// error for this record only and must not abort the stream the record came
// from.
func (r *EventRecord) FieldString(name string) (string, error) {
	value, ok := r.raw[name]
	if !ok {
		return "", fmt.Errorf("event %s record has no field %s", r.Event, name)
	}
	return value, nil
}

// FieldInt decodes an integer field by name as a fixed-width signed value.
// Common fields such as common_pid decode through this accessor.
func (r *EventRecord) FieldInt(name string) (int64, error) {
	value, ok := r.raw[name]
	if !ok {
		return 0, fmt.Errorf("event %s record has no field %s", r.Event, name)
	}

	bits := 64
	if r.format != nil {
		if f, ok := r.format.Field(name); ok && f.Size > 0 && f.Size <= 8 {
			bits = f.Size * 8
		}
	}
	n, err := strconv.ParseInt(value, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("field %s of event %s: %v", name, r.Event, err)
	}
	return n, nil
}

// FieldUint decodes an integer field by name as a fixed-width unsigned
// value.
func (r *EventRecord) FieldUint(name string) (uint64, error) {
	value, ok := r.raw[name]
	if !ok {
		return 0, fmt.Errorf("event %s record has no field %s", r.Event, name)
	}

	bits := 64
	if r.format != nil {
		if f, ok := r.format.Field(name); ok && f.Size > 0 && f.Size <= 8 {
			bits = f.Size * 8
		}
	}
	n, err := strconv.ParseUint(value, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("field %s of event %s: %v", name, r.Event, err)
	}
	return n, nil
}

// Fields returns the record's fields decoded by their declared types:
// strings for text fields, int64 for signed integers, uint64 for unsigned.
// Fields with no declaration decode as int64 when the value parses as an
// integer and string otherwise.
func (r *EventRecord) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(r.raw))
	for name, value := range r.raw {
		fields[name] = r.decodeValue(name, value)
	}
	return fields
}

func (r *EventRecord) decodeValue(name, value string) interface{} {
	if r.format != nil {
		if f, ok := r.format.Field(name); ok {
			if f.IsString() {
				return value
			}
			if f.Signed {
				if n, err := strconv.ParseInt(value, 0, 64); err == nil {
					return n
				}
			} else {
				if n, err := strconv.ParseUint(value, 0, 64); err == nil {
					return n
				}
			}
			return value
		}
	}
	if n, err := strconv.ParseInt(value, 0, 64); err == nil {
		return n
	}
	return value
}

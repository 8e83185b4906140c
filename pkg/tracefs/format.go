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
	"strconv"
	"strings"
)

// EventID names a trace event by its subsystem and event name.
type EventID struct {
	System string
	Name   string
}

func (id EventID) String() string {
	if id.System == "" {
		return id.Name
	}
	return id.System + "/" + id.Name
}

// FieldFormat describes one field of a trace event as declared by the
// event's format file.
type FieldFormat struct {
	Name     string
	TypeName string
	Offset   int
	Size     int
	Signed   bool

	// DataLoc is set for dynamically located data such as __data_loc
	// char[] fields. The field's value is stored out of line and decodes
	// to a string of known length.
	DataLoc bool
}

// IsString reports whether the field decodes to text.
func (f FieldFormat) IsString() bool {
	return f.DataLoc || strings.Contains(f.TypeName, "char[")
}

// EventFormat is the parsed format declaration of a single trace event.
type EventFormat struct {
	ID     EventID
	TypeID uint16
	Fields map[string]FieldFormat
}

// Field looks up a field by name, common or event-specific.
func (ef *EventFormat) Field(name string) (FieldFormat, bool) {
	f, ok := ef.Fields[name]
	return f, ok
}

// HasField reports whether the event declares the named field. The hist
// trigger pseudo-fields common_timestamp and common_timestamp.usecs exist on
// every event even though no format file declares them.
func (ef *EventFormat) HasField(name string) bool {
	if name == "common_timestamp" || name == "common_timestamp.usecs" {
		return true
	}
	_, ok := ef.Fields[name]
	return ok
}

// parseEventFormat parses the contents of an event format file:
//
//	name: getnameprobe
//	ID: 1742
//	format:
//		field:unsigned short common_type;	offset:0;	size:2;	signed:0;
//		...
//	print fmt: ...
func parseEventFormat(id EventID, data string) (*EventFormat, error) {
	ef := &EventFormat{
		ID:     id,
		Fields: make(map[string]FieldFormat),
	}

	inFields := false
	for _, line := range strings.Split(data, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "ID:"):
			n, err := strconv.ParseUint(
				strings.TrimSpace(trimmed[3:]), 10, 16)
			if err != nil {
				return nil, fmt.Errorf("bad event ID in format for %s: %v",
					id, err)
			}
			ef.TypeID = uint16(n)
		case strings.HasPrefix(trimmed, "format:"):
			inFields = true
		case strings.HasPrefix(trimmed, "print fmt:"):
			inFields = false
		case inFields && strings.HasPrefix(trimmed, "field:"):
			field, err := parseFieldFormat(trimmed)
			if err != nil {
				return nil, fmt.Errorf("format for %s: %v", id, err)
			}
			ef.Fields[field.Name] = field
		}
	}

	if len(ef.Fields) == 0 {
		return nil, fmt.Errorf("format for %s declares no fields", id)
	}
	return ef, nil
}

// parseFieldFormat parses a single field declaration:
//
//	field:__data_loc char[] arg1;	offset:8;	size:4;	signed:0;
func parseFieldFormat(line string) (FieldFormat, error) {
	var field FieldFormat

	for _, part := range strings.Split(line, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.Index(part, ":")
		if i < 0 {
			return field, fmt.Errorf("malformed field declaration %q", line)
		}
		key, value := part[:i], part[i+1:]
		switch key {
		case "field":
			decl := value
			if strings.HasPrefix(decl, "__data_loc ") {
				field.DataLoc = true
				decl = strings.TrimPrefix(decl, "__data_loc ")
			}
			sp := strings.LastIndex(decl, " ")
			if sp < 0 {
				return field, fmt.Errorf("malformed field declaration %q", line)
			}
			field.TypeName = decl[:sp]
			field.Name = decl[sp+1:]
			// Array lengths attach to the name, e.g. "char comm[16]".
			if br := strings.Index(field.Name, "["); br >= 0 {
				field.TypeName += field.Name[br:]
				field.Name = field.Name[:br]
			}
		case "offset":
			n, err := strconv.Atoi(value)
			if err != nil {
				return field, err
			}
			field.Offset = n
		case "size":
			n, err := strconv.Atoi(value)
			if err != nil {
				return field, err
			}
			field.Size = n
		case "signed":
			field.Signed = value == "1"
		}
	}

	if field.Name == "" {
		return field, fmt.Errorf("field declaration %q has no name", line)
	}
	return field, nil
}

// FormatCache reads and caches event format declarations from a tracing
// filesystem.
type FormatCache struct {
	fs     FileSystem
	events map[EventID]*EventFormat
}

// NewFormatCache returns an empty cache backed by fs.
func NewFormatCache(fs FileSystem) *FormatCache {
	return &FormatCache{
		fs:     fs,
		events: make(map[EventID]*EventFormat),
	}
}

// Lookup returns the format of the named event, reading and caching it on
// first use.
func (c *FormatCache) Lookup(id EventID) (*EventFormat, error) {
	if ef, ok := c.events[id]; ok {
		return ef, nil
	}

	data, err := c.fs.ReadFile(EventPath(id, "format"))
	if err != nil {
		return nil, err
	}
	ef, err := parseEventFormat(id, string(data))
	if err != nil {
		return nil, err
	}
	c.events[id] = ef
	return ef, nil
}

// Resolve fills in the subsystem of an EventID whose System is empty by
// searching the events directory, mirroring how the kernel resolves bare
// event names.
func (c *FormatCache) Resolve(id EventID) (EventID, error) {
	if id.System != "" {
		return id, nil
	}

	systems, err := c.fs.ReadDir("events")
	if err != nil {
		return id, err
	}
	for _, system := range systems {
		if c.fs.Exists(EventPath(EventID{system, id.Name}, "format")) {
			return EventID{System: system, Name: id.Name}, nil
		}
	}
	return id, fmt.Errorf("event %s not found in any subsystem", id.Name)
}

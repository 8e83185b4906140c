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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// TestWrite records one mutation applied to a TestFileSystem.
type TestWrite struct {
	Op   string // "write", "append", "truncate", "mkdir", "rmdir"
	Path string
	Data string
}

// TestFileSystem is an in-memory FileSystem that emulates the kernel side
// of the tracing filesystem: writing probe or synthetic event definitions
// materializes the corresponding event directories, creating an instance
// mirrors the known events into it, and trace_pipe files are backed by real
// pipes so tests can inject records into a live stream.
type TestFileSystem struct {
	mu    sync.Mutex
	files map[string]string
	dirs  map[string]bool
	pipes map[string]*testPipe

	nextEventID uint16

	// Writes is the ordered log of every mutation.
	Writes []TestWrite

	// FailWrites injects errors: any write, append, or truncate to a
	// listed path fails with the given error.
	FailWrites map[string]error

	lastError string
}

type testPipe struct {
	r *os.File
	w *os.File
}

// NewTestFileSystem returns an empty emulated tracing filesystem.
func NewTestFileSystem() *TestFileSystem {
	return &TestFileSystem{
		files: map[string]string{
			"tracing_on":       "0",
			"trace":            "",
			"events/enable":    "0",
			"kprobe_events":    "",
			"synthetic_events": "",
			"error_log":        "",
		},
		dirs:        map[string]bool{"instances": true, "events": true},
		pipes:       make(map[string]*testPipe),
		FailWrites:  make(map[string]error),
		nextEventID: 1000,
	}
}

// TracingDir returns a fixed placeholder path.
func (fs *TestFileSystem) TracingDir() string { return "/sys/kernel/tracing" }

// SetLastError seeds the diagnostic returned by the next LastError call.
func (fs *TestFileSystem) SetLastError(diag string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.lastError = diag
}

// LastError returns and consumes the pending diagnostic.
func (fs *TestFileSystem) LastError() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	diag := fs.lastError
	fs.lastError = ""
	return diag
}

// AddEventFormat registers a trace event with an explicit format file, as
// if the kernel provided it. Existing instances mirror the new event.
func (fs *TestFileSystem) AddEventFormat(id EventID, format string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.materializeEvent(id, format)
}

// FileContents returns the current contents of a file and whether it
// exists.
func (fs *TestFileSystem) FileContents(relPath string) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.files[relPath]
	return data, ok
}

// Inject writes trace record lines into the pipe backing the named
// trace_pipe file, blocking until a streamer has opened it.
func (fs *TestFileSystem) Inject(relPath string, lines ...string) error {
	fs.mu.Lock()
	pipe, err := fs.pipe(relPath)
	fs.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = pipe.w.WriteString(strings.Join(lines, "\n") + "\n")
	return err
}

// InjectRecords writes record lines into an instance's trace_pipe.
func (fs *TestFileSystem) InjectRecords(instance string, lines ...string) error {
	return fs.Inject(InstancePath(instance, "trace_pipe"), lines...)
}

func (fs *TestFileSystem) pipe(relPath string) (*testPipe, error) {
	if p, ok := fs.pipes[relPath]; ok {
		return p, nil
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	p := &testPipe{r: r, w: w}
	fs.pipes[relPath] = p
	return p, nil
}

func (fs *TestFileSystem) ReadFile(relPath string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.files[relPath]
	if !ok {
		return nil, &os.PathError{Op: "read", Path: relPath, Err: os.ErrNotExist}
	}
	return []byte(data), nil
}

func (fs *TestFileSystem) WriteFile(relPath string, data string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.failure(relPath); err != nil {
		return err
	}
	if _, ok := fs.files[relPath]; !ok {
		return &os.PathError{Op: "write", Path: relPath, Err: os.ErrNotExist}
	}
	fs.files[relPath] = data
	fs.log("write", relPath, data)
	return nil
}

func (fs *TestFileSystem) AppendFile(relPath string, data string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.failure(relPath); err != nil {
		return err
	}
	if _, ok := fs.files[relPath]; !ok {
		return &os.PathError{Op: "append", Path: relPath, Err: os.ErrNotExist}
	}
	fs.files[relPath] += data
	fs.log("append", relPath, data)

	switch relPath {
	case "kprobe_events":
		return fs.applyProbeCommands(data)
	case "synthetic_events":
		return fs.applySynthCommands(data)
	}
	return nil
}

func (fs *TestFileSystem) TruncateFile(relPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.failure(relPath); err != nil {
		return err
	}
	if _, ok := fs.files[relPath]; !ok {
		return &os.PathError{Op: "truncate", Path: relPath, Err: os.ErrNotExist}
	}
	fs.files[relPath] = ""
	fs.log("truncate", relPath, "")
	return nil
}

func (fs *TestFileSystem) OpenPipe(relPath string) (*os.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.existsLocked(filepath.Dir(relPath)) {
		return nil, &os.PathError{Op: "open", Path: relPath, Err: os.ErrNotExist}
	}
	p, err := fs.pipe(relPath)
	if err != nil {
		return nil, err
	}
	return p.r, nil
}

func (fs *TestFileSystem) Exists(relPath string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.existsLocked(relPath)
}

func (fs *TestFileSystem) existsLocked(relPath string) bool {
	relPath = strings.TrimSuffix(relPath, "/")
	if relPath == "" || relPath == "." {
		return true
	}
	if _, ok := fs.files[relPath]; ok {
		return true
	}
	if fs.dirs[relPath] {
		return true
	}
	prefix := relPath + "/"
	for name := range fs.files {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (fs *TestFileSystem) ReadDir(relPath string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.existsLocked(relPath) {
		return nil, &os.PathError{Op: "readdir", Path: relPath, Err: os.ErrNotExist}
	}

	seen := make(map[string]bool)
	prefix := strings.TrimSuffix(relPath, "/") + "/"
	for name := range fs.files {
		if strings.HasPrefix(name, prefix) {
			rest := name[len(prefix):]
			if i := strings.Index(rest, "/"); i >= 0 {
				rest = rest[:i]
			}
			seen[rest] = true
		}
	}
	for name := range fs.dirs {
		if strings.HasPrefix(name, prefix) {
			rest := name[len(prefix):]
			if i := strings.Index(rest, "/"); i >= 0 {
				rest = rest[:i]
			}
			seen[rest] = true
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (fs *TestFileSystem) Mkdir(relPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	relPath = strings.TrimSuffix(relPath, "/")
	if fs.existsLocked(relPath) {
		return &os.PathError{Op: "mkdir", Path: relPath, Err: os.ErrExist}
	}
	fs.dirs[relPath] = true
	fs.log("mkdir", relPath, "")

	// A new directory under instances is a new tracing session: the
	// kernel populates it with its own buffer controls and a mirror of
	// every known event.
	if instance := strings.TrimPrefix(relPath, "instances/"); instance != relPath {
		fs.files[InstancePath(instance, "tracing_on")] = "0"
		fs.files[InstancePath(instance, "trace")] = ""
		fs.files[InstancePath(instance, "events/enable")] = "0"
		for name := range fs.files {
			if strings.HasPrefix(name, "events/") &&
				strings.HasSuffix(name, "/enable") && name != "events/enable" {
				fs.files[InstancePath(instance, name)] = "0"
			}
		}
	}
	return nil
}

func (fs *TestFileSystem) Rmdir(relPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	relPath = strings.TrimSuffix(relPath, "/")
	if !fs.existsLocked(relPath) {
		return &os.PathError{Op: "rmdir", Path: relPath, Err: os.ErrNotExist}
	}
	delete(fs.dirs, relPath)
	prefix := relPath + "/"
	for name := range fs.files {
		if strings.HasPrefix(name, prefix) {
			delete(fs.files, name)
		}
	}
	fs.log("rmdir", relPath, "")
	return nil
}

func (fs *TestFileSystem) failure(relPath string) error {
	if err, ok := fs.FailWrites[relPath]; ok {
		return err
	}
	return nil
}

func (fs *TestFileSystem) log(op, relPath, data string) {
	fs.Writes = append(fs.Writes, TestWrite{Op: op, Path: relPath, Data: data})
}

// applyProbeCommands emulates the kernel's handling of kprobe_events
// writes: definitions materialize event directories, "-:" commands remove
// them.
func (fs *TestFileSystem) applyProbeCommands(data string) error {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "-:") {
			fs.removeEvent(splitEventSpec(line[2:]))
			continue
		}

		tokens := strings.Fields(line)
		if len(tokens) < 2 {
			return fmt.Errorf("malformed probe definition %q", line)
		}
		spec := tokens[0]
		colon := strings.Index(spec, ":")
		if colon < 0 {
			return fmt.Errorf("malformed probe definition %q", line)
		}
		id := splitEventSpec(spec[colon+1:])
		fs.materializeEvent(id, fs.probeFormat(id.Name, tokens[2:]))
	}
	return nil
}

// applySynthCommands emulates synthetic_events writes.
func (fs *TestFileSystem) applySynthCommands(data string) error {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "!") {
			name := strings.Fields(line[1:])[0]
			fs.removeEvent(EventID{System: SyntheticSystem, Name: name})
			continue
		}

		tokens := strings.Fields(line)
		id := EventID{System: SyntheticSystem, Name: tokens[0]}
		fs.materializeEvent(id, fs.synthFormat(id.Name, line[len(tokens[0]):]))
	}
	return nil
}

func splitEventSpec(spec string) EventID {
	if i := strings.Index(spec, "/"); i >= 0 {
		return EventID{System: spec[:i], Name: spec[i+1:]}
	}
	return EventID{System: DefaultProbeSystem, Name: spec}
}

func (fs *TestFileSystem) materializeEvent(id EventID, format string) {
	fs.files[EventPath(id, "format")] = format
	fs.files[EventPath(id, "enable")] = "0"
	fs.files[EventPath(id, "trigger")] = ""
	for name := range fs.dirs {
		if instance := strings.TrimPrefix(name, "instances/"); instance != name {
			fs.files[InstancePath(instance, EventPath(id, "enable"))] = "0"
		}
	}
}

func (fs *TestFileSystem) removeEvent(id EventID) {
	for name := range fs.files {
		if strings.HasPrefix(name, EventPath(id, "")+"/") ||
			strings.Contains(name, "/"+EventPath(id, "")+"/") {
			delete(fs.files, name)
		}
	}
}

const commonFieldDecls = "\tfield:unsigned short common_type;\toffset:0;\tsize:2;\tsigned:0;\n" +
	"\tfield:unsigned char common_flags;\toffset:2;\tsize:1;\tsigned:0;\n" +
	"\tfield:unsigned char common_preempt_count;\toffset:3;\tsize:1;\tsigned:0;\n" +
	"\tfield:int common_pid;\toffset:4;\tsize:4;\tsigned:1;\n"

// probeFormat synthesizes the format file the kernel would generate for a
// probe definition's fetch arguments.
func (fs *TestFileSystem) probeFormat(name string, args []string) string {
	fs.nextEventID++

	var sb strings.Builder
	fmt.Fprintf(&sb, "name: %s\nID: %d\nformat:\n%s\n",
		name, fs.nextEventID, commonFieldDecls)

	offset := 8
	for i, arg := range args {
		argName := fmt.Sprintf("arg%d", i+1)
		if eq := strings.Index(arg, "="); eq > 0 {
			argName = arg[:eq]
		}
		if strings.HasSuffix(arg, ":string") {
			fmt.Fprintf(&sb,
				"\tfield:__data_loc char[] %s;\toffset:%d;\tsize:4;\tsigned:0;\n",
				argName, offset)
			offset += 4
		} else {
			fmt.Fprintf(&sb,
				"\tfield:u64 %s;\toffset:%d;\tsize:8;\tsigned:0;\n",
				argName, offset)
			offset += 8
		}
	}

	fmt.Fprintf(&sb, "\nprint fmt: \"%s\"\n", name)
	return sb.String()
}

// synthFormat synthesizes the format file for a synthetic event definition
// such as " s32 pid; u64 delta".
func (fs *TestFileSystem) synthFormat(name, decl string) string {
	fs.nextEventID++

	var sb strings.Builder
	fmt.Fprintf(&sb, "name: %s\nID: %d\nformat:\n%s\n",
		name, fs.nextEventID, commonFieldDecls)

	offset := 8
	for _, fieldDecl := range strings.Split(decl, ";") {
		tokens := strings.Fields(fieldDecl)
		if len(tokens) != 2 {
			continue
		}
		typeName, fieldName := tokens[0], tokens[1]
		size := 8
		signed := 0
		switch typeName {
		case "s8", "u8":
			size = 1
		case "s16", "u16":
			size = 2
		case "s32", "u32", "pid_t", "int":
			size = 4
		}
		if strings.HasPrefix(typeName, "s") || typeName == "int" || typeName == "pid_t" {
			signed = 1
		}
		fmt.Fprintf(&sb, "\tfield:%s %s;\toffset:%d;\tsize:%d;\tsigned:%d;\n",
			typeName, fieldName, offset, size, signed)
		offset += size
	}

	fmt.Fprintf(&sb, "\nprint fmt: \"%s\"\n", name)
	return sb.String()
}

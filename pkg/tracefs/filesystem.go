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
	"path/filepath"
	"strings"

	"github.com/golang/glog"
)

// FileSystem abstracts the kernel tracing filesystem. All paths are relative
// to the tracing mountpoint (e.g. "kprobe_events",
// "instances/opensnoop/trace_pipe"). Implementations other than the system
// one exist for testing.
type FileSystem interface {
	// TracingDir returns the absolute path of the tracing mountpoint.
	TracingDir() string

	// ReadFile reads the entire contents of a tracing file.
	ReadFile(relPath string) ([]byte, error)

	// WriteFile overwrites a tracing file with data.
	WriteFile(relPath string, data string) error

	// AppendFile appends data to a tracing file. Control files such as
	// kprobe_events and synthetic_events interpret appended lines as
	// commands.
	AppendFile(relPath string, data string) error

	// TruncateFile discards the contents of a tracing file. Truncating a
	// "trace" file clears the ring buffer.
	TruncateFile(relPath string) error

	// OpenPipe opens a streaming trace file (trace_pipe) for reading.
	OpenPipe(relPath string) (*os.File, error)

	// Exists reports whether the named file or directory exists.
	Exists(relPath string) bool

	// ReadDir lists the entry names of a tracing directory.
	ReadDir(relPath string) ([]string, error)

	// Mkdir creates a tracing directory. Creating a directory under
	// "instances" allocates a new tracing instance.
	Mkdir(relPath string) error

	// Rmdir removes a tracing directory, releasing the instance it names.
	Rmdir(relPath string) error

	// LastError returns the most recent diagnostic from the subsystem's
	// error log, or the empty string if there is none. The log entry is
	// consumed: a second call returns the empty string until the kernel
	// reports a new error.
	LastError() string
}

// InstancePath returns the path of a file within a tracing instance. The
// empty instance name refers to the top-level tracing directory.
func InstancePath(instance, relPath string) string {
	if instance == "" {
		return relPath
	}
	return filepath.Join("instances", instance, relPath)
}

// EventPath returns the path of a file within an event's directory.
func EventPath(id EventID, relPath string) string {
	return filepath.Join("events", id.System, id.Name, relPath)
}

const (
	tracefsMount = "/sys/kernel/tracing"
	debugfsMount = "/sys/kernel/debug/tracing"
)

type systemFileSystem struct {
	dir string
}

// NewSystemFileSystem returns a FileSystem backed by the host's tracing
// mountpoint. The dir argument overrides mountpoint detection; pass the
// empty string to probe the usual locations.
func NewSystemFileSystem(dir string) FileSystem {
	if dir == "" {
		dir = tracefsMount
		if _, err := os.Stat(dir); err != nil {
			dir = debugfsMount
		}
	}
	return &systemFileSystem{dir: dir}
}

func (fs *systemFileSystem) TracingDir() string {
	return fs.dir
}

func (fs *systemFileSystem) ReadFile(relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(fs.dir, relPath))
}

func (fs *systemFileSystem) WriteFile(relPath string, data string) error {
	return os.WriteFile(filepath.Join(fs.dir, relPath), []byte(data), 0)
}

func (fs *systemFileSystem) AppendFile(relPath string, data string) error {
	filename := filepath.Join(fs.dir, relPath)
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.Write([]byte(data))
	return err
}

func (fs *systemFileSystem) TruncateFile(relPath string) error {
	filename := filepath.Join(fs.dir, relPath)
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	return file.Close()
}

func (fs *systemFileSystem) OpenPipe(relPath string) (*os.File, error) {
	return os.Open(filepath.Join(fs.dir, relPath))
}

func (fs *systemFileSystem) Exists(relPath string) bool {
	_, err := os.Stat(filepath.Join(fs.dir, relPath))
	return err == nil
}

func (fs *systemFileSystem) ReadDir(relPath string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.dir, relPath))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (fs *systemFileSystem) Mkdir(relPath string) error {
	return os.Mkdir(filepath.Join(fs.dir, relPath), 0755)
}

func (fs *systemFileSystem) Rmdir(relPath string) error {
	return os.Remove(filepath.Join(fs.dir, relPath))
}

func (fs *systemFileSystem) LastError() string {
	data, err := fs.ReadFile("error_log")
	if err != nil || len(data) == 0 {
		return ""
	}
	if err = fs.TruncateFile("error_log"); err != nil {
		glog.V(2).Infof("Couldn't clear error_log: %v", err)
	}

	// The last entry in the log is the most recent diagnostic.
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

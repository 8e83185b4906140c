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

// opensnoop traces files accessed by open() syscalls via a kretprobe on
// getname, printing the opening pid and the file name until interrupted or
// the capture duration elapses.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Shiztev/bg-perf-tools/pkg/capture"
	"github.com/Shiztev/bg-perf-tools/pkg/config"
	"github.com/Shiztev/bg-perf-tools/pkg/tracefs"

	"github.com/golang/glog"

	"golang.org/x/sys/unix"
)

const (
	probeEvent    = "getnameprobe"
	probeSymbol   = "getname"
	probeArgs     = "+0(+0($retval)):string"
	filenameField = "arg1"
	pidField      = "common_pid"
)

var (
	instanceName = flag.String("instance", "opensnoop",
		"tracing instance name")
	duration = flag.Duration("duration", 0,
		"capture duration; 0 runs until interrupted")
	cleanup = flag.Bool("cleanup", false,
		"destroy leftover probe and instance from a crashed run, then exit")
)

func probeDescriptor() tracefs.ProbeDescriptor {
	return tracefs.ProbeDescriptor{
		Kind:      tracefs.ProbeReturn,
		Event:     probeEvent,
		Symbol:    probeSymbol,
		ArgFormat: probeArgs,
	}
}

// runCleanup best-effort destroys the kernel objects a crashed run may have
// leaked.
func runCleanup(fs tracefs.FileSystem, instance string) {
	id := probeDescriptor().ID()
	if err := fs.Rmdir(tracefs.InstancePath(instance, "")); err != nil {
		glog.V(1).Infof("No instance to clean up: %v", err)
	}
	if err := fs.AppendFile("kprobe_events", fmt.Sprintf("-:%s\n", id)); err != nil {
		glog.V(1).Infof("No probe to clean up: %v", err)
	}
}

func run() error {
	cfg, err := config.ParseCapture()
	if err != nil {
		return err
	}
	fs := tracefs.NewSystemFileSystem(cfg.TracingDir)

	if *cleanup {
		runCleanup(fs, *instanceName)
		return nil
	}

	options := []capture.Option{
		capture.WithPollInterval(cfg.PollInterval),
		capture.WithDuration(*duration),
		capture.WithStopSignals(unix.SIGINT, unix.SIGTERM),
	}
	if cfg.RecordFilter != "" {
		options = append(options, capture.WithRecordFilter(cfg.RecordFilter))
	}

	fmt.Printf("%-7s %s\n", "PID", "FILE")
	coordinator := capture.New(fs, options...)
	return coordinator.Run(probeDescriptor(), nil, *instanceName,
		func(record *tracefs.EventRecord) {
			pid, err := record.FieldInt(pidField)
			if err != nil {
				glog.Warningf("Dropping record: %v", err)
				return
			}
			filename, err := record.FieldString(filenameField)
			if err != nil {
				glog.Warningf("Dropping record: %v", err)
				return
			}
			fmt.Printf("%-7d %s\n", pid, filename)
		})
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		glog.Errorf("opensnoop: %v", err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}

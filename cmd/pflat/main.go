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

// pflat measures mmap lock hold latency per process with a synthetic event
// joining mmap_lock_start_locking and mmap_lock_released on pid, printing the
// latency of each acquire/release pair in microseconds. When an OTLP endpoint
// is configured, each pair is additionally exported as a trace span.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Shiztev/bg-perf-tools/pkg/capture"
	"github.com/Shiztev/bg-perf-tools/pkg/config"
	"github.com/Shiztev/bg-perf-tools/pkg/telemetry"
	"github.com/Shiztev/bg-perf-tools/pkg/tracefs"

	"github.com/golang/glog"

	"golang.org/x/sys/unix"
)

const (
	synthName  = "page_fault_lat"
	startEvent = "mmap_lock_start_locking"
	endEvent   = "mmap_lock_released"
	pidField   = "pid"
	deltaField = "delta"
)

var (
	instanceName = flag.String("instance", "pflat",
		"tracing instance name")
	duration = flag.Duration("duration", 0,
		"capture duration; 0 runs until interrupted")
)

func synthDescriptor() *tracefs.SynthDescriptor {
	return &tracefs.SynthDescriptor{
		Name:       synthName,
		Start:      tracefs.EventID{Name: startEvent},
		End:        tracefs.EventID{Name: endEvent},
		JoinField:  "common_pid",
		JoinOutput: pidField,
		Fields: []tracefs.SynthField{
			{
				Start:  tracefs.TimestampUsecsField,
				End:    tracefs.TimestampUsecsField,
				Op:     tracefs.CompareDeltaEnd,
				Output: deltaField,
			},
		},
	}
}

func run() error {
	cfg, err := config.ParseCapture()
	if err != nil {
		return err
	}
	fs := tracefs.NewSystemFileSystem(cfg.TracingDir)

	var emit func(*tracefs.EventRecord)
	telemetryCfg, err := config.ParseTelemetry()
	if err != nil {
		return err
	}
	if telemetryCfg.Enabled() {
		provider, shutdown, err := telemetry.InitProvider(telemetryCfg)
		if err != nil {
			return err
		}
		defer shutdown()
		emitter := telemetry.NewLatencyEmitter(provider, synthName,
			deltaField, pidField)
		emit = func(record *tracefs.EventRecord) {
			if err := emitter.Emit(record); err != nil {
				glog.Warningf("Span export failed: %v", err)
			}
		}
	}

	options := []capture.Option{
		capture.WithPollInterval(cfg.PollInterval),
		capture.WithDuration(*duration),
		capture.WithStopSignals(unix.SIGINT, unix.SIGTERM),
	}
	if cfg.RecordFilter != "" {
		options = append(options, capture.WithRecordFilter(cfg.RecordFilter))
	}

	fmt.Printf("%-7s %s\n", "PID", "LATENCY(us)")
	coordinator := capture.New(fs, options...)
	return coordinator.Run(tracefs.ProbeDescriptor{}, synthDescriptor(),
		*instanceName,
		func(record *tracefs.EventRecord) {
			pid, err := record.FieldInt(pidField)
			if err != nil {
				glog.Warningf("Dropping record: %v", err)
				return
			}
			delta, err := record.FieldUint(deltaField)
			if err != nil {
				glog.Warningf("Dropping record: %v", err)
				return
			}
			fmt.Printf("%-7d %d\n", pid, delta)
			if emit != nil {
				emit(record)
			}
		})
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		glog.Errorf("pflat: %v", err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}

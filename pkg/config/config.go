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

// Package config holds the environment-driven configuration shared by the
// capture tools.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Capture holds capture pipeline settings read from the environment.
// Command-line flags take precedence over these where a tool exposes both.
type Capture struct {
	// TracingDir overrides tracing mountpoint detection.
	TracingDir string `env:"TRACE_TRACING_DIR"`

	// PollInterval is the suspend time between stream drain passes.
	PollInterval time.Duration `env:"TRACE_POLL_INTERVAL" envDefault:"1s"`

	// RecordFilter is an optional expression restricting which records
	// are delivered, e.g. `common_pid == 42`.
	RecordFilter string `env:"TRACE_RECORD_FILTER"`
}

// ParseCapture reads capture settings from the environment.
func ParseCapture() (*Capture, error) {
	var cfg Capture
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing capture config: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("TRACE_POLL_INTERVAL must be positive, got %v",
			cfg.PollInterval)
	}
	return &cfg, nil
}

// Telemetry holds OpenTelemetry export settings read from the standard OTEL
// environment variables.
type Telemetry struct {
	ServiceName      string `env:"OTEL_SERVICE_NAME" envDefault:"bg-perf-tools"`
	ExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracesEndpoint   string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
}

// ParseTelemetry reads telemetry settings from the environment.
func ParseTelemetry() (*Telemetry, error) {
	var cfg Telemetry
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing telemetry config: %w", err)
	}
	return &cfg, nil
}

// Enabled reports whether span export has been configured at all.
func (c *Telemetry) Enabled() bool {
	return c.ExporterEndpoint != "" || c.TracesEndpoint != ""
}

// Endpoint returns the endpoint spans are exported to. The traces-specific
// variable wins over the general one.
func (c *Telemetry) Endpoint() string {
	if c.TracesEndpoint != "" {
		return c.TracesEndpoint
	}
	return c.ExporterEndpoint
}

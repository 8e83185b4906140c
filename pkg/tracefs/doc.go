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

// Package tracefs manages kernel trace resources through the tracing
// filesystem: dynamic probe events, isolated tracing instances, synthetic
// events derived from start/end event pairs, and cancellable streaming of
// decoded trace records.
//
// Every kernel-visible resource created through this package has an
// explicit, idempotent destroy operation so callers can guarantee
// kernel-side objects never outlive the process.
package tracefs

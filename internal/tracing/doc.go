// Copyright 2025 The Upkeep Authors
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

// Package tracing wires OpenTelemetry into the daemon.
//
// The Provider owns both signal pipelines: traces go to an OTLP
// endpoint (gRPC or HTTP) or stdout depending on configuration, and
// metrics are exposed to Prometheus scrapes through the /metrics
// endpoint. The Metrics collector implements the small collector
// interfaces the runner and scheduler declare, so those packages never
// import OpenTelemetry themselves.
//
// Correlation IDs ride on X-Correlation-ID: the API middleware accepts
// or mints one per request and the client injects it into outbound
// calls, which ties a CLI invocation to the daemon log lines it caused.
package tracing

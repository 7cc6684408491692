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

/*
Package client provides an HTTP client for the upkeep daemon API.

CLI commands use it to talk to upkeepd over its REST API. It supports
unix socket connections (the default) as well as plain TCP and TLS.

# Basic Usage

Create a client and make requests:

	c, err := client.New()
	if err != nil {
	    log.Fatal(err)
	}

	// Dispatch a job
	run, err := c.Dispatch(ctx, "codebrowser", map[string]any{
	    "ref": "master",
	})

	// Get run status
	run, err = c.Run(ctx, run.ID)

	// List runs
	runs, err := c.Runs(ctx, client.RunFilter{Status: "running"})

# Connection Options

Configure the client with options:

	// Use API key authentication
	c, _ := client.New(client.WithAPIKey("my-api-key"))

	// Use a custom transport (e.g. a TCP daemon)
	c, _ := client.New(client.WithTransport(client.NewTCPTransport("host:7070")))

	// Use a custom HTTP client (e.g. for testing)
	c, _ := client.New(client.WithHTTPClient(httpClient))

# Transport

The default transport connects over the daemon's unix socket, resolved
the same way upkeepd resolves its listen path:

	$XDG_RUNTIME_DIR/upkeep/upkeep.sock
	~/.upkeep/upkeep.sock
	/tmp/upkeep.sock

Override with the UPKEEP_HOST environment variable:

	export UPKEEP_HOST=unix:///run/upkeep/upkeep.sock
	export UPKEEP_HOST=tcp://upkeep.internal:7070
	export UPKEEP_HOST=https://upkeep.internal:7070

When the daemon is unreachable over a unix socket, methods return a
DaemonNotRunningError whose Guidance explains how to start upkeepd.
*/
package client

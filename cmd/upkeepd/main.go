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

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/upkeep-run/upkeep/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to daemon config file")
		backendType = flag.String("backend", "", "Run history backend (memory, sqlite)")
		backendPath = flag.String("backend-path", "", "Path to the sqlite database file")
		socketPath  = flag.String("socket", "", "Unix socket path")
		tcpAddr     = flag.String("tcp", "", "TCP address to listen on")
		jobsDir     = flag.String("jobs-dir", "", "Directory for job definition files")
		dataDir     = flag.String("data-dir", "", "Directory for daemon state")
		tlsCert     = flag.String("tls-cert", "", "Path to TLS certificate file")
		tlsKey      = flag.String("tls-key", "", "Path to TLS private key file")
		allowRemote = flag.Bool("allow-remote", false, "Allow binding to non-localhost addresses (SECURITY WARNING)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("upkeepd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	err := daemon.Run(daemon.RunOptions{
		Version:     version,
		Commit:      commit,
		BuildDate:   buildDate,
		ConfigPath:  *configPath,
		BackendType: *backendType,
		BackendPath: *backendPath,
		SocketPath:  *socketPath,
		TCPAddr:     *tcpAddr,
		JobsDir:     *jobsDir,
		DataDir:     *dataDir,
		TLSCert:     *tlsCert,
		TLSKey:      *tlsKey,
		AllowRemote: *allowRemote,
	})
	if err != nil {
		os.Exit(1)
	}
}

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

package completion

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/upkeep-run/upkeep/internal/client"
	"github.com/upkeep-run/upkeep/internal/commands/shared"
)

// daemonTimeout bounds completion queries so a slow or absent daemon
// never stalls the shell prompt.
const (
	daemonTimeout = 500 * time.Millisecond
	cacheTTL      = 2 * time.Second
)

// ttlCache memoizes one daemon response per lookup kind. Shells fire
// completion requests in quick bursts, so even a short TTL removes
// most round trips.
type ttlCache[T any] struct {
	mu        sync.Mutex
	value     T
	expiresAt time.Time
}

func (c *ttlCache[T]) get(fetch func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Now().Before(c.expiresAt) {
		return c.value, nil
	}
	value, err := fetch()
	if err != nil {
		var zero T
		return zero, err
	}
	c.value = value
	c.expiresAt = time.Now().Add(cacheTTL)
	return value, nil
}

var (
	jobCache      ttlCache[[]client.JobSummary]
	runCache      ttlCache[[]client.Run]
	scheduleCache ttlCache[[]client.Schedule]
)

// CompleteJobNames completes job names from the daemon's loaded jobs.
func CompleteJobNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return safeWrapper(func() ([]string, cobra.ShellCompDirective) {
		jobs, err := jobCache.get(func() ([]client.JobSummary, error) {
			api, err := shared.NewClient()
			if err != nil {
				return nil, err
			}
			ctx, cancel := context.WithTimeout(context.Background(), daemonTimeout)
			defer cancel()
			return api.Jobs(ctx)
		})
		if err != nil || len(jobs) == 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		completions := make([]string, 0, len(jobs))
		for _, j := range jobs {
			if j.Description != "" {
				completions = append(completions, j.Name+"\t"+j.Description)
			} else {
				completions = append(completions, j.Name)
			}
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteRunIDs completes run IDs, described as "job (status)".
func CompleteRunIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return safeWrapper(func() ([]string, cobra.ShellCompDirective) {
		runs, err := fetchRuns()
		if err != nil || len(runs) == 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return runCompletions(runs, false), cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteActiveRunIDs completes only cancellable run IDs. Used by
// 'runs cancel' so finished runs are not offered.
func CompleteActiveRunIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return safeWrapper(func() ([]string, cobra.ShellCompDirective) {
		runs, err := fetchRuns()
		if err != nil || len(runs) == 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return runCompletions(runs, true), cobra.ShellCompDirectiveNoFileComp
	})
}

func fetchRuns() ([]client.Run, error) {
	return runCache.get(func() ([]client.Run, error) {
		api, err := shared.NewClient()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), daemonTimeout)
		defer cancel()
		return api.Runs(ctx, client.RunFilter{Limit: 50})
	})
}

func runCompletions(runs []client.Run, activeOnly bool) []string {
	completions := make([]string, 0, len(runs))
	for _, r := range runs {
		if activeOnly && !isActive(r.Status) {
			continue
		}
		description := r.Job
		if r.Status != "" {
			description += " (" + r.Status + ")"
		}
		completions = append(completions, r.ID+"\t"+description)
	}
	return completions
}

// isActive reports whether a run can still be cancelled.
func isActive(status string) bool {
	switch status {
	case "queued", "pending", "running":
		return true
	}
	return false
}

// CompleteScheduleNames completes schedule names from the daemon.
func CompleteScheduleNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return safeWrapper(func() ([]string, cobra.ShellCompDirective) {
		schedules, err := scheduleCache.get(func() ([]client.Schedule, error) {
			api, err := shared.NewClient()
			if err != nil {
				return nil, err
			}
			ctx, cancel := context.WithTimeout(context.Background(), daemonTimeout)
			defer cancel()
			return api.Schedules(ctx)
		})
		if err != nil || len(schedules) == 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		completions := make([]string, 0, len(schedules))
		for _, s := range schedules {
			completions = append(completions, s.Name+"\t"+s.Job+" ("+s.Cron+")")
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	})
}

// safeWrapper guards a completion function with panic recovery. A
// completion must never crash the shell hook, so failures degrade to
// no suggestions.
func safeWrapper(fn func() ([]string, cobra.ShellCompDirective)) (results []string, directive cobra.ShellCompDirective) {
	results = []string{}
	directive = cobra.ShellCompDirectiveNoFileComp

	defer func() {
		if r := recover(); r != nil {
			results = []string{}
			directive = cobra.ShellCompDirectiveNoFileComp
		}
	}()

	results, directive = fn()
	if results == nil {
		return []string{}, cobra.ShellCompDirectiveNoFileComp
	}
	return results, directive
}

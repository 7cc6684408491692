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

// Package cron parses five-field cron expressions and computes fire times.
// It is shared by job definition validation and the daemon scheduler so
// both agree on exactly one dialect.
package cron

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Expr is a parsed cron expression.
type Expr struct {
	minute     []int // 0-59
	hour       []int // 0-23
	dayOfMonth []int // 1-31
	month      []int // 1-12
	dayOfWeek  []int // 0-6 (0 = Sunday; 7 is accepted and normalized)

	// Standard cron day semantics: when both day fields are restricted,
	// a time matches if either field matches. When one is a wildcard,
	// only the other constrains the day.
	domWildcard bool
	dowWildcard bool
}

// Parse parses a cron expression.
// Format: minute hour day-of-month month day-of-week
// Examples:
//   - "0 * * * *" - every hour at minute 0
//   - "*/15 * * * *" - every 15 minutes
//   - "0 */18 * * *" - 00:00 and 18:00 each day
//   - "0 9 * * 1-5" - 9 AM on weekdays
//   - "0 0 1 * *" - midnight on the first of each month
//
// The shortcuts @hourly, @daily, @midnight, @weekly, @monthly, @yearly
// and @annually are accepted.
func Parse(expr string) (*Expr, error) {
	// Expand shortcuts
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	c := &Expr{
		domWildcard: fields[2] == "*",
		dowWildcard: fields[4] == "*",
	}
	var err error

	c.minute, err = parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}

	c.hour, err = parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}

	c.dayOfMonth, err = parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}

	c.month, err = parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}

	c.dayOfWeek, err = parseField(fields[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}
	c.dayOfWeek = normalizeSunday(c.dayOfWeek)

	return c, nil
}

// parseField parses a single cron field.
func parseField(field string, min, max int) ([]int, error) {
	// Wildcard
	if field == "*" {
		result := make([]int, max-min+1)
		for i := range result {
			result[i] = min + i
		}
		return result, nil
	}

	var result []int

	// Comma-separated values
	parts := strings.Split(field, ",")
	for _, part := range parts {
		values, err := parseFieldPart(part, min, max)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}

	result = unique(result)
	sort.Ints(result)
	return result, nil
}

// parseFieldPart parses a single part of a cron field (handles ranges and steps).
func parseFieldPart(part string, min, max int) ([]int, error) {
	// Step values (*/5 or 1-10/2)
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		stepStr := part[idx+1:]
		var err error
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step: %s", stepStr)
		}
		part = part[:idx]
	}

	var start, end int

	if part == "*" {
		start = min
		end = max
	} else if idx := strings.Index(part, "-"); idx != -1 {
		// Range
		var err error
		start, err = strconv.Atoi(part[:idx])
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %s", part[:idx])
		}
		end, err = strconv.Atoi(part[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %s", part[idx+1:])
		}
	} else {
		// Single value
		var err error
		start, err = strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %s", part)
		}
		end = start
	}

	if start < min || start > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", start, min, max)
	}
	if end < min || end > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", end, min, max)
	}
	if start > end {
		return nil, fmt.Errorf("invalid range: %d > %d", start, end)
	}

	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}

	return result, nil
}

// Next returns the next time matching the expression strictly after from.
// It returns the zero time if no match exists within four years.
func (c *Expr) Next(from time.Time) time.Time {
	// Start from the next whole minute
	t := from.Truncate(time.Minute).Add(time.Minute)

	maxTime := from.Add(4 * 365 * 24 * time.Hour)

	for t.Before(maxTime) {
		if !contains(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}

		if !c.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}

		if !contains(c.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}

		if !contains(c.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}

		return t
	}

	return time.Time{}
}

// Matches reports whether t (truncated to the minute) satisfies the expression.
func (c *Expr) Matches(t time.Time) bool {
	return contains(c.minute, t.Minute()) &&
		contains(c.hour, t.Hour()) &&
		contains(c.month, int(t.Month())) &&
		c.dayMatches(t)
}

func (c *Expr) dayMatches(t time.Time) bool {
	domMatch := contains(c.dayOfMonth, t.Day())
	dowMatch := contains(c.dayOfWeek, int(t.Weekday()))

	switch {
	case c.domWildcard && c.dowWildcard:
		return true
	case c.domWildcard:
		return dowMatch
	case c.dowWildcard:
		return domMatch
	default:
		// Both restricted: either one firing is a match.
		return domMatch || dowMatch
	}
}

// normalizeSunday folds day-of-week 7 into 0.
func normalizeSunday(days []int) []int {
	var result []int
	seen := make(map[int]bool)
	for _, d := range days {
		if d == 7 {
			d = 0
		}
		if !seen[d] {
			seen[d] = true
			result = append(result, d)
		}
	}
	sort.Ints(result)
	return result
}

// contains checks if a slice contains a value.
func contains(slice []int, val int) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

// unique removes duplicates from a slice.
func unique(slice []int) []int {
	seen := make(map[int]bool)
	var result []int
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}

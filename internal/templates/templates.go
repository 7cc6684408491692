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

package templates

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// Embed job templates into the binary for offline availability
//
//go:embed *.yaml
var embeddedFS embed.FS

// Template represents metadata about an embedded job template
type Template struct {
	Name        string
	Description string
	Category    string
	FilePath    string
	Vars        []string
}

// templateVars maps each template to its placeholders and their default
// values. The job name is always available as the "name" placeholder.
var templateVars = map[string]map[string]string{
	"blank":          {},
	"checkout-build": {"url": "https://github.com/example/project.git", "cron": "0 */18 * * *"},
	"docker-cleanup": {"cron": "0 4 * * *"},
}

// List returns all available embedded templates
func List() ([]Template, error) {
	entries, err := embeddedFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded templates: %w", err)
	}

	var templates []Template
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ".yaml")
		templates = append(templates, Template{
			Name:        name,
			Description: getDescription(name),
			Category:    getCategory(name),
			FilePath:    entry.Name(),
			Vars:        Vars(name),
		})
	}

	return templates, nil
}

// Get returns the raw content of a specific template by name
func Get(name string) ([]byte, error) {
	// Validate template name to prevent path traversal
	if name == "" || strings.Contains(name, "..") || strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return nil, fmt.Errorf("invalid template name: %q", name)
	}
	filename := name + ".yaml"
	content, err := embeddedFS.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("template %q not found: %w", name, err)
	}
	return content, nil
}

// Exists checks if a template with the given name exists
func Exists(name string) bool {
	if name == "" || strings.Contains(name, "..") || strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	filename := name + ".yaml"
	_, err := embeddedFS.ReadFile(filename)
	return err == nil
}

// Vars returns the placeholder names a template accepts, sorted. The
// implicit "name" placeholder is not included.
func Vars(templateName string) []string {
	defaults := templateVars[templateName]
	vars := make([]string, 0, len(defaults))
	for name := range defaults {
		vars = append(vars, name)
	}
	sort.Strings(vars)
	return vars
}

// Default returns a placeholder's default value, or "" when the template
// or placeholder is unknown.
func Default(templateName, varName string) string {
	return templateVars[templateName][varName]
}

// Render renders a template with the job name and placeholder values
// substituted. Missing placeholders fall back to their defaults.
//
// Placeholders use [[.name]] delimiters because the job files themselves
// contain {{ }} expressions that must survive rendering untouched.
func Render(templateName, jobName string, vars map[string]string) ([]byte, error) {
	templateContent, err := Get(templateName)
	if err != nil {
		return nil, err
	}

	data := map[string]string{"name": jobName}
	for name, value := range templateVars[templateName] {
		data[name] = value
	}
	for name, value := range vars {
		if _, ok := data[name]; !ok {
			return nil, fmt.Errorf("template %q has no %q placeholder", templateName, name)
		}
		data[name] = value
	}

	tmpl, err := template.New(templateName).Delims("[[", "]]").Option("missingkey=error").Parse(string(templateContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %q: %w", templateName, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template %q: %w", templateName, err)
	}

	return buf.Bytes(), nil
}

// getDescription returns a human-readable description for each template
func getDescription(name string) string {
	descriptions := map[string]string{
		"blank":          "Minimal job with a single shell step",
		"checkout-build": "Check out a repository on a schedule and run a build",
		"docker-cleanup": "Kill and remove leftover docker containers",
	}

	if desc, ok := descriptions[name]; ok {
		return desc
	}
	return "Job template"
}

// getCategory returns the category for each template
func getCategory(name string) string {
	categories := map[string]string{
		"blank":          "Basic",
		"checkout-build": "Build",
		"docker-cleanup": "Janitor",
	}

	if cat, ok := categories[name]; ok {
		return cat
	}
	return "General"
}

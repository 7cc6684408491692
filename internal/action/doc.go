// Package action provides the built-in actions that job steps invoke.
//
// Five builtins cover the needs of maintenance-style CI jobs:
//   - shell: run a command through a shell, streaming output to the run log
//   - checkout: clone or update a git repository, including submodules
//   - mirror: copy a directory tree into a staging location
//   - docker: clean up leftover containers via the docker CLI
//   - artifact: upload files or directories to S3
//
// Every action implements the Action interface and receives a
// job.Invocation carrying the step inputs, environment, and log writer.
// The Registry dispatches by action name and satisfies job.ActionRegistry,
// so the executor can run steps without knowing which actions exist.
// Callers that need custom actions register their own implementations
// alongside the builtins.
package action

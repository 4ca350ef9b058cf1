// Package localcmd implements ports.Runner by shelling out to a local test
// command inside the leased worktree. It is one concrete, optional runner
// the core ships with (spec §6); any other ports.Runner implementation can
// be injected instead.
package localcmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/PROACTIVA-US/pipelinehardening/core/log"
	"github.com/PROACTIVA-US/pipelinehardening/domain"
	"github.com/PROACTIVA-US/pipelinehardening/ports"
)

// BlockedEnvVars lists environment variables never forwarded to the
// spawned test command, since it runs arbitrary repository-controlled
// code.
var BlockedEnvVars = map[string]bool{
	"PIPELINEHARDENING_API_KEY": true,
	"AWS_SECRET_ACCESS_KEY":     true,
	"AWS_ACCESS_KEY_ID":         true,
	"GITHUB_TOKEN":              true,
}

// Runner invokes Command (e.g. "go", "pytest") inside the worktree path
// handed to it, passing the plan path and batch range as arguments.
type Runner struct {
	// Command is the executable to run; Args come first on its command
	// line, followed by the --plan/--batch arguments Run derives and one
	// --key=value argument per RunnerConfig.Extra entry.
	Command string
	Args    []string
}

// New returns a Runner that shells out to command with any fixed args.
func New(command string, args ...string) *Runner {
	return &Runner{Command: command, Args: args}
}

var _ ports.Runner = (*Runner)(nil)

// Run implements ports.Runner. It filters the environment, bounds the
// child process to ctx, and classifies the result from the process's exit
// status: exit 0 is COMPLETE, any other non-timeout exit is FAILED, and a
// ctx-deadline kill is surfaced as an error so the caller can classify it
// as RUNNER_TIMEOUT.
func (r *Runner) Run(ctx context.Context, worktreePath, planPath string, batchRange domain.BatchRange, cfg domain.RunnerConfig) (domain.RunnerResult, error) {
	args := append([]string{}, r.Args...)
	args = append(args, "--plan", planPath, "--batch", batchRange.String())
	for k, v := range cfg.Extra {
		args = append(args, fmt.Sprintf("--%s=%s", k, v))
	}

	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = worktreePath
	cmd.Env = filterEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug("localcmd: running %s %s in %s", r.Command, strings.Join(args, " "), worktreePath)
	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return domain.RunnerResult{Status: domain.StatusError}, ctx.Err()
	}

	if err != nil {
		return domain.RunnerResult{
			Status: domain.StatusFailed,
			Err:    fmt.Errorf("%w: %s", err, stderr.String()),
		}, nil
	}

	return domain.RunnerResult{Status: domain.StatusComplete}, nil
}

func filterEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		key, _, ok := strings.Cut(e, "=")
		if ok && BlockedEnvVars[key] {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

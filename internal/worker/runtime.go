package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
)

// Runtime executes an analyzer command, optionally inside a container.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// RunSpec describes what to execute.
type RunSpec struct {
	Image   string            // Container image (empty for bare execution)
	Command []string          // Command and arguments
	WorkDir string            // Working directory on the host
	Env     map[string]string // Environment variables
	Stdin   []byte            // Fed to the command's standard input
}

// RunResult captures the output of an execution.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, dir string, env []string, name string, args ...string) (RunResult, error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (r *osCommandRunner) Run(ctx context.Context, stdin []byte, dir string, env []string, name string, args ...string) (RunResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	result := RunResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}

	switch e := runErr.(type) {
	case nil:
		return result, nil
	case *exec.ExitError:
		result.ExitCode = e.ExitCode()
		return result, nil
	default:
		result.ExitCode = -1
		return result, runErr
	}
}

// envList flattens env in key order so commands are reproducible.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// BareRuntime executes commands directly on the host.
type BareRuntime struct {
	runner CommandRunner
}

// NewBareRuntime creates a BareRuntime.
func NewBareRuntime() *BareRuntime {
	return &BareRuntime{runner: &osCommandRunner{}}
}

func (r *BareRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if len(spec.Command) == 0 {
		return RunResult{}, fmt.Errorf("bare runtime: empty command")
	}
	result, err := r.runner.Run(ctx, spec.Stdin, spec.WorkDir, envList(spec.Env), spec.Command[0], spec.Command[1:]...)
	if err != nil {
		return result, fmt.Errorf("bare runtime: %w", err)
	}
	return result, nil
}

// DockerRuntime executes commands inside Docker containers.
type DockerRuntime struct {
	runner CommandRunner
}

// NewDockerRuntime creates a DockerRuntime.
func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{runner: &osCommandRunner{}}
}

func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if spec.Image == "" {
		return RunResult{}, fmt.Errorf("docker runtime: image is required")
	}
	if len(spec.Command) == 0 {
		return RunResult{}, fmt.Errorf("docker runtime: empty command")
	}

	result, err := r.runner.Run(ctx, spec.Stdin, "", nil, "docker", dockerArgs(spec)...)
	if err != nil {
		return result, fmt.Errorf("docker runtime: %w", err)
	}
	return result, nil
}

func dockerArgs(spec RunSpec) []string {
	args := []string{"run", "--rm", "-i"}
	if spec.WorkDir != "" {
		args = append(args, "-v", spec.WorkDir+":/work", "-w", "/work")
	}
	for _, kv := range envList(spec.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

// NewRuntime returns the Runtime for name: "docker" or "none".
func NewRuntime(name string) (Runtime, error) {
	switch name {
	case "docker":
		return NewDockerRuntime(), nil
	case "none", "":
		return NewBareRuntime(), nil
	default:
		return nil, fmt.Errorf("unknown runtime %q (want docker or none)", name)
	}
}

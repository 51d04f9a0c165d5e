package tasks

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os/exec"
	"time"
)

// ShellResult is the structured result of run_shell_command.
type ShellResult struct {
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// RegisterCore installs the built-in task pack.
func RegisterCore(r *Registry) {
	r.RegisterPack("core", map[string]Handler{
		"run_shell_command": runShellCommand,
		"sleep":             sleepTask,
		"select_random":     selectRandom,
	})
}

// runShellCommand runs args[0] under a shell (args[1], default "sh") and
// captures returncode, stdout, and stderr. A non-zero exit code is part of
// the result, not an execution failure, unless args[2] is false.
func runShellCommand(ctx context.Context, inv Invocation) (any, error) {
	command, err := stringArg(inv.Args, 0)
	if err != nil {
		return nil, err
	}
	shell := "sh"
	if len(inv.Args) > 1 {
		if shell, err = stringArg(inv.Args, 1); err != nil {
			return nil, err
		}
	}
	allowErrors := true
	if len(inv.Args) > 2 {
		b, ok := inv.Args[2].(bool)
		if !ok {
			return nil, fmt.Errorf("arg 2: expected bool, got %T", inv.Args[2])
		}
		allowErrors = b
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := ShellResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("run %q: %w", command, runErr)
		}
		res.ReturnCode = exitErr.ExitCode()
		if !allowErrors {
			return res, fmt.Errorf("run %q: non-zero exit code %d", command, res.ReturnCode)
		}
	}
	return res, nil
}

// sleepTask sleeps args[0] seconds, honoring cancellation.
func sleepTask(ctx context.Context, inv Invocation) (any, error) {
	secs, err := numberArg(inv.Args, 0)
	if err != nil {
		return nil, err
	}
	select {
	case <-time.After(time.Duration(secs * float64(time.Second))):
		return secs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// selectRandom picks args[1] distinct items from the list args[0].
func selectRandom(ctx context.Context, inv Invocation) (any, error) {
	if len(inv.Args) < 2 {
		return nil, fmt.Errorf("select_random wants 2 args, got %d", len(inv.Args))
	}
	items, ok := inv.Args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("arg 0: expected list, got %T", inv.Args[0])
	}
	n, err := numberArg(inv.Args, 1)
	if err != nil {
		return nil, err
	}
	count := int(n)
	if count < 0 {
		return nil, fmt.Errorf("arg 1: count must be non-negative, got %d", count)
	}
	if count > len(items) {
		return nil, fmt.Errorf("fewer than the requested %d unique items to choose from", count)
	}

	picked := make([]any, len(items))
	copy(picked, items)
	rand.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	return picked[:count], nil
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing arg %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("arg %d: expected string, got %T", i, args[i])
	}
	return s, nil
}

// numberArg accepts float64 (how JSON-decoded args arrive) and int (how
// in-process callers pass literals).
func numberArg(args []any, i int) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing arg %d", i)
	}
	switch v := args[i].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("arg %d: expected number, got %T", i, args[i])
	}
}

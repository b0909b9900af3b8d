package main

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// commandInProcessGroup builds an exec.Cmd whose child runs in its own
// process group and whose cancellation kills the whole group, so a
// timed-out script cannot leave grandchildren behind.
func commandInProcessGroup(ctx context.Context, argv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return cmd
}

// exitCodeOf extracts the exit code from a Run error, with -1 for
// failures that never produced one.
func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

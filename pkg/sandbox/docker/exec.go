package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/debug"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
)

const (
	// execGrace bounds how long an exec session may outlive its
	// in-container timeout wrapper before the attach is cut.
	execGrace = 30 * time.Second

	// defaultFileViewBytes caps how much produced file content is
	// inlined into results unless WithFileViewLimit overrides it.
	defaultFileViewBytes = 1 << 20

	// defaultOutputBytes caps each captured output stream unless
	// WithOutputLimit overrides it.
	defaultOutputBytes = 1 << 20
)

// Execute runs one unit inside the conversation's container. Timeouts and
// nonzero exits come back as results; only infrastructure failures return
// an error.
func (r *Runtime) Execute(ctx context.Context, handle *sandbox.Handle, unit api.ExecutionUnit, timeoutSeconds int) (*sandbox.ExecutionResult, error) {
	spec, ok := sandbox.Language(unit.Language)
	if !ok {
		return sandbox.UnsupportedLanguageResult(unit), nil
	}

	if err := r.EnsureRunning(ctx, handle); err != nil {
		return nil, err
	}

	execCtx := ctx
	if timeoutSeconds > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second+execGrace)
		defer cancel()
	}

	before, err := r.snapshotWorkspace(execCtx, handle.ContainerID)
	if err != nil {
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("snapshot workspace: %v", err))
	}

	script := scriptName(spec)
	if err := r.writeScript(execCtx, handle.ContainerID, script, unit.Code); err != nil {
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("write script: %v", err))
	}

	cmd := runCommand(spec, script, timeoutSeconds)
	debug.Log("sandbox", "exec", "conversation", handle.ConversationID, "language", unit.Language, "script", script)

	start := time.Now()
	res, err := r.runExec(execCtx, handle.ContainerID, cmd, nil)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if execCtx.Err() == context.DeadlineExceeded {
			return timedOutResult(unit, timeoutSeconds, duration), nil
		}
		return nil, api.NewContainerRuntimeError(fmt.Sprintf("exec: %v", err))
	}

	result := &sandbox.ExecutionResult{
		Unit:     unit,
		Stdout:   capOutput(res.stdout, r.outputLimit),
		Stderr:   capOutput(res.stderr, r.outputLimit),
		ExitCode: res.exitCode,
		Duration: duration,
	}
	if timeoutSeconds > 0 && isTimeoutExit(res.exitCode) {
		markTimedOut(result, timeoutSeconds)
	}

	files, err := r.collectProducedFiles(execCtx, handle.ContainerID, before, script)
	if err != nil {
		debug.Log("sandbox", "collect files failed", "conversation", handle.ConversationID, "error", err)
	} else {
		result.Files = files
	}

	r.touch(handle.ConversationID)
	return result, nil
}

// capOutput truncates an output stream at the configured byte limit,
// cutting on a rune boundary and marking the cut.
func capOutput(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated]"
}

// runCommand builds the argv for one unit. With a timeout the interpreter
// runs under coreutils timeout with SIGKILL so runaway code cannot ignore
// the signal.
func runCommand(spec sandbox.LanguageSpec, script string, timeoutSeconds int) []string {
	cmd := spec.Command(script)
	if timeoutSeconds > 0 {
		cmd = append([]string{"timeout", "--signal=KILL", strconv.Itoa(timeoutSeconds)}, cmd...)
	}
	return cmd
}

func scriptName(spec sandbox.LanguageSpec) string {
	return fmt.Sprintf("script_%d.%s", time.Now().UnixNano(), spec.Extension)
}

// isTimeoutExit recognizes the exit codes the timeout wrapper produces:
// 137 when SIGKILL lands, 124 when timeout reports expiry itself.
func isTimeoutExit(code int) bool {
	return code == 124 || code == 137
}

func markTimedOut(result *sandbox.ExecutionResult, timeoutSeconds int) {
	result.TimedOut = true
	result.ExitCode = 124
	msg := timeoutMessage(timeoutSeconds)
	if result.Stderr != "" {
		result.Stderr += "\n" + msg
	} else {
		result.Stderr = msg
	}
}

func timedOutResult(unit api.ExecutionUnit, timeoutSeconds int, duration time.Duration) *sandbox.ExecutionResult {
	return &sandbox.ExecutionResult{
		Unit:     unit,
		Stderr:   timeoutMessage(timeoutSeconds),
		ExitCode: 124,
		Duration: duration,
		TimedOut: true,
	}
}

func timeoutMessage(timeoutSeconds int) string {
	return fmt.Sprintf("Execution timed out after %d seconds", timeoutSeconds)
}

// writeScript streams the unit code into a workspace file over exec
// stdin. Streaming avoids quoting problems with arbitrary code content.
func (r *Runtime) writeScript(ctx context.Context, containerID, script, code string) error {
	res, err := r.runExec(ctx, containerID, []string{"sh", "-c", `cat > "$1"`, "write-script", script}, []byte(code))
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return fmt.Errorf("write exited %d: %s", res.exitCode, strings.TrimSpace(res.stderr))
	}
	return nil
}

// snapshotWorkspace lists the workspace file names before an execution so
// produced files can be diffed afterwards.
func (r *Runtime) snapshotWorkspace(ctx context.Context, containerID string) (map[string]struct{}, error) {
	res, err := r.runExec(ctx, containerID, []string{"ls", "-1", sandbox.WorkspaceDir}, nil)
	if err != nil {
		return nil, err
	}
	if res.exitCode != 0 {
		return nil, fmt.Errorf("ls exited %d: %s", res.exitCode, strings.TrimSpace(res.stderr))
	}
	return parseSnapshot(res.stdout), nil
}

func parseSnapshot(listing string) map[string]struct{} {
	names := make(map[string]struct{})
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names[line] = struct{}{}
		}
	}
	return names
}

// diffSnapshot returns the names present after but not before, minus the
// script file itself, in sorted order.
func diffSnapshot(before, after map[string]struct{}, script string) []string {
	var produced []string
	for name := range after {
		if name == script {
			continue
		}
		if _, ok := before[name]; ok {
			continue
		}
		produced = append(produced, name)
	}
	sort.Strings(produced)
	return produced
}

// collectProducedFiles diffs the workspace against the pre-execution
// snapshot and loads each new file, inlining content only below the view
// ceiling.
func (r *Runtime) collectProducedFiles(ctx context.Context, containerID string, before map[string]struct{}, script string) ([]api.FileInfo, error) {
	after, err := r.snapshotWorkspace(ctx, containerID)
	if err != nil {
		return nil, err
	}

	var files []api.FileInfo
	for _, name := range diffSnapshot(before, after, script) {
		info := api.FileInfo{Name: name}

		res, err := r.runExec(ctx, containerID, []string{"stat", "-c", "%s", "--", name}, nil)
		if err != nil || res.exitCode != 0 {
			// Deleted between snapshot and stat; skip it.
			continue
		}
		size, err := strconv.ParseInt(strings.TrimSpace(res.stdout), 10, 64)
		if err != nil {
			continue
		}
		info.Size = size

		if size > r.fileViewLimit {
			info.Truncated = true
			files = append(files, info)
			continue
		}

		res, err = r.runExec(ctx, containerID, []string{"cat", "--", name}, nil)
		if err != nil || res.exitCode != 0 {
			continue
		}
		info.Content = res.stdout
		files = append(files, info)
	}
	return files, nil
}

type execResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// runExec runs one exec session in the container workspace, optionally
// feeding stdin, and waits for completion. The two output streams come
// back demultiplexed.
func (r *Runtime) runExec(ctx context.Context, containerID string, cmd []string, stdin []byte) (*execResult, error) {
	created, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   sandbox.WorkspaceDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  len(stdin) > 0,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	// Cut the attach when the context ends so StdCopy cannot block on a
	// hung process.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()

	if len(stdin) > 0 {
		if _, err := attach.Conn.Write(stdin); err != nil {
			return nil, fmt.Errorf("exec stdin: %w", err)
		}
		if cw, ok := attach.Conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("exec read: %w", err)
	}

	exitCode, err := r.waitExec(ctx, created.ID)
	if err != nil {
		return nil, err
	}
	return &execResult{stdout: stdout.String(), stderr: stderr.String(), exitCode: exitCode}, nil
}

// waitExec polls until the exec process has exited and returns its code.
// The output stream usually closes at exit, so the first inspect hits.
func (r *Runtime) waitExec(ctx context.Context, execID string) (int, error) {
	for {
		ins, err := r.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("exec inspect: %w", err)
		}
		if !ins.Running {
			return ins.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

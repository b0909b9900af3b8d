// Command sandbox-server runs inside an agent-sandbox pod and executes
// code units in the pod's workspace on behalf of the kubernetes
// runtime backend. The endpoints mirror what the backend's HTTP client
// expects:
//
//	POST /execute      - run one code unit
//	GET  /files        - list workspace files
//	GET  /files/{name} - download one file
//	PUT  /files/{name} - upload one file
//	GET  /healthz      - liveness probe
//
// Configuration:
//
//	SANDBOX_PORT           - listen port (default: 8080)
//	SANDBOX_WORKSPACE      - workspace directory (default: /workspace)
//	SANDBOX_MAX_CONCURRENT - max concurrent executions (default: 3)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox/kubernetes"
)

// maxFileViewBytes caps how much produced file content is inlined into
// execution results. Larger files carry metadata and the truncated flag.
const maxFileViewBytes = 1 << 20

func main() {
	port := envOr("SANDBOX_PORT", "8080")
	workspace := envOr("SANDBOX_WORKSPACE", sandbox.WorkspaceDir)
	maxConcurrent := envOrInt("SANDBOX_MAX_CONCURRENT", 3)

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("workspace unavailable", "dir", workspace, "error", err.Error())
		os.Exit(1)
	}

	srv := &sandboxServer{
		workspace:     workspace,
		maxConcurrent: int32(maxConcurrent),
		startTime:     time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", srv.handleExecute)
	mux.HandleFunc("GET /files", srv.handleListFiles)
	mux.HandleFunc("GET /files/{name}", srv.handleGetFile)
	mux.HandleFunc("PUT /files/{name}", srv.handlePutFile)
	mux.HandleFunc("GET /healthz", srv.handleHealth)

	httpSrv := &http.Server{
		Addr:        ":" + port,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No write timeout: executions may legitimately run unbounded
		// when the caller requests timeout_seconds zero.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("sandbox server starting",
			"port", port, "workspace", workspace, "max_concurrent", maxConcurrent)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
}

type sandboxServer struct {
	workspace     string
	maxConcurrent int32
	currentLoad   atomic.Int32
	startTime     time.Time
}

// handleExecute runs one unit in the workspace. Timeouts and nonzero
// exits are normal results reported with HTTP 200; only infrastructure
// failures get an error status.
func (s *sandboxServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	current := s.currentLoad.Add(1)
	defer s.currentLoad.Add(-1)

	if current > s.maxConcurrent {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent executions)", current, s.maxConcurrent))
		return
	}

	var req kubernetes.ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	spec, ok := sandbox.Language(req.Language)
	if !ok {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported language %q (supported: %s)",
				req.Language, strings.Join(sandbox.SupportedLanguages(), ", ")))
		return
	}

	slog.Info("execute request",
		"language", req.Language,
		"code_bytes", len(req.Code),
		"timeout", req.TimeoutSeconds)

	before, err := s.snapshotWorkspace()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "snapshot workspace: "+err.Error())
		return
	}

	script := ".script." + spec.Extension
	scriptPath := filepath.Join(s.workspace, script)
	if err := os.WriteFile(scriptPath, []byte(req.Code), 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, "write script: "+err.Error())
		return
	}
	defer os.Remove(scriptPath)

	resp := s.runScript(r.Context(), spec, script, req.TimeoutSeconds)
	resp.Files = s.collectProducedFiles(before, script)

	slog.Info("execute complete",
		"exit_code", resp.ExitCode,
		"timed_out", resp.TimedOut,
		"duration_ms", resp.ExecutionTimeMS,
		"files_produced", len(resp.Files))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// runScript executes the interpreter in its own process group so a
// timeout kills the whole tree, not just the direct child.
func (s *sandboxServer) runScript(ctx context.Context, spec sandbox.LanguageSpec, script string, timeoutSeconds int) *kubernetes.ExecuteResponse {
	if timeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		defer cancel()
	}

	argv := spec.Command(script)
	cmd := commandInProcessGroup(ctx, argv)
	cmd.Dir = s.workspace
	cmd.Env = os.Environ()

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	resp := &kubernetes.ExecuteResponse{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExecutionTimeMS: duration.Milliseconds(),
	}

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			resp.TimedOut = true
			resp.ExitCode = -1
			if resp.Stderr == "" {
				resp.Stderr = fmt.Sprintf("execution timed out after %d seconds", timeoutSeconds)
			}
			return resp
		}
		resp.ExitCode = exitCodeOf(runErr)
		if resp.Stderr == "" {
			resp.Stderr = runErr.Error()
		}
	}
	return resp
}

// snapshotWorkspace returns the set of regular file names currently in
// the workspace.
func (s *sandboxServer) snapshotWorkspace() (map[string]struct{}, error) {
	entries, err := os.ReadDir(s.workspace)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names[e.Name()] = struct{}{}
		}
	}
	return names, nil
}

// collectProducedFiles diffs the workspace against the pre-execution
// snapshot, inlining content only below the view ceiling.
func (s *sandboxServer) collectProducedFiles(before map[string]struct{}, script string) []api.FileInfo {
	after, err := s.snapshotWorkspace()
	if err != nil {
		return nil
	}

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

	var files []api.FileInfo
	for _, name := range produced {
		path := filepath.Join(s.workspace, name)
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		info := api.FileInfo{Name: name, Size: fi.Size()}
		if fi.Size() > maxFileViewBytes {
			info.Truncated = true
			files = append(files, info)
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		info.Content = string(content)
		files = append(files, info)
	}
	return files
}

// handleListFiles lists the regular files in the workspace.
func (s *sandboxServer) handleListFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.workspace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list workspace: "+err.Error())
		return
	}

	files := []api.FileInfo{}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, api.FileInfo{Name: e.Name(), Size: fi.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(files)
}

// handleGetFile streams one workspace file, capped at the view ceiling
// so an oversized file is never fully buffered.
func (s *sandboxServer) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := validateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f, err := os.Open(filepath.Join(s.workspace, name))
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "file "+name+" not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "read file: "+err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, io.LimitReader(f, maxFileViewBytes))
}

func (s *sandboxServer) handlePutFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := validateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	if err := os.WriteFile(filepath.Join(s.workspace, name), content, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, "write file: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type healthResponse struct {
	Status      string `json:"status"`
	Languages   string `json:"languages"`
	Capacity    int    `json:"capacity"`
	CurrentLoad int    `json:"current_load"`
	UptimeSecs  int64  `json:"uptime_seconds"`
}

func (s *sandboxServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:      "healthy",
		Languages:   strings.Join(sandbox.SupportedLanguages(), ","),
		Capacity:    int(s.maxConcurrent),
		CurrentLoad: int(s.currentLoad.Load()),
		UptimeSecs:  int64(time.Since(s.startTime).Seconds()),
	})
}

// validateName rejects names that would escape the workspace.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("file name is required")
	}
	if strings.Contains(name, "/") || name == "." || name == ".." {
		return fmt.Errorf("file name must not contain path separators")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

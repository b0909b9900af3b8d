// Command mcp-server exposes the sandbox execution runtime as MCP
// tools over streamable HTTP, so agent frameworks can run code in the
// same per-conversation containers the main server manages.
//
// Tools:
//
//	execute_code      - run a code block in a conversation's container
//	list_containers   - list managed containers
//	remove_container  - destroy a conversation's container
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/config"
	"github.com/Ark0N/AI-Code-Executor/pkg/debug"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox/docker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("mcp server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level)

	runtime, err := docker.NewRuntime(context.Background(),
		docker.WithImage(cfg.Sandbox.Image),
		docker.WithFileViewLimit(cfg.Limits.MaxFileViewBytes),
		docker.WithOutputLimit(cfg.Limits.MaxOutputBytes),
	)
	if err != nil {
		return fmt.Errorf("sandbox runtime: %w", err)
	}
	defer runtime.Close()

	limits := sandbox.ResourceLimits{
		CPUs:            cfg.Sandbox.CPUs,
		Memory:          cfg.Sandbox.Memory,
		Storage:         cfg.Sandbox.Storage,
		NetworkDisabled: cfg.Sandbox.NetworkDisabled,
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "ai-code-executor", Version: "v1.0.0"},
		nil,
	)
	registerTools(server, runtime, limits, cfg.Sandbox.TimeoutSeconds)

	handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return server
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	slog.Info("mcp server starting", "addr", addr)
	return http.ListenAndServe(addr, mux)
}

// ExecuteCodeInput is the execute_code tool's input schema.
type ExecuteCodeInput struct {
	ConversationID string `json:"conversation_id,omitempty" jsonschema_description:"Conversation whose container runs the code. A new conversation is created when omitted."`
	Language       string `json:"language" jsonschema_description:"Language of the code block: python, javascript, or bash"`
	Code           string `json:"code" jsonschema_description:"The code to execute"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema_description:"Execution deadline in seconds. Zero uses the server default."`
}

// RemoveContainerInput is the remove_container tool's input schema.
type RemoveContainerInput struct {
	ConversationID string `json:"conversation_id" jsonschema_description:"Conversation whose container to remove"`
}

func registerTools(server *mcp.Server, runtime sandbox.Runtime, limits sandbox.ResourceLimits, defaultTimeout int) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "execute_code",
		Description: "Executes a code block inside a persistent per-conversation container and returns the output",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input ExecuteCodeInput) (*mcp.CallToolResult, struct{}, error) {
		if input.Code == "" {
			return errorResult("code is required"), struct{}{}, nil
		}
		if !sandbox.Supported(input.Language) {
			return errorResult(fmt.Sprintf("unsupported language %q (supported: %s)",
				input.Language, strings.Join(sandbox.SupportedLanguages(), ", "))), struct{}{}, nil
		}

		conversationID := input.ConversationID
		if conversationID == "" {
			conversationID = api.NewConversationID()
		}

		handle, err := runtime.GetOrCreate(ctx, conversationID, limits)
		if err != nil {
			return errorResult("container: " + err.Error()), struct{}{}, nil
		}

		timeout := input.TimeoutSeconds
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		unit := api.ExecutionUnit{Language: input.Language, Code: input.Code}
		res, err := runtime.Execute(ctx, handle, unit, timeout)
		if err != nil {
			return errorResult("execution: " + err.Error()), struct{}{}, nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: formatResult(conversationID, res)},
			},
		}, struct{}{}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_containers",
		Description: "Lists the managed execution containers",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, struct{}, error) {
		infos, err := runtime.List(ctx)
		if err != nil {
			return errorResult("list: " + err.Error()), struct{}{}, nil
		}
		if len(infos) == 0 {
			return textResult("no containers"), struct{}{}, nil
		}

		var b strings.Builder
		for _, info := range infos {
			fmt.Fprintf(&b, "%s  %s  %s  last used %s\n",
				info.ConversationID, info.Status, info.Image,
				info.LastUsedAt.UTC().Format(time.RFC3339))
		}
		return textResult(b.String()), struct{}{}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_container",
		Description: "Stops and removes a conversation's container together with its workspace",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input RemoveContainerInput) (*mcp.CallToolResult, struct{}, error) {
		if input.ConversationID == "" {
			return errorResult("conversation_id is required"), struct{}{}, nil
		}
		if err := runtime.Remove(ctx, input.ConversationID); err != nil {
			return errorResult("remove: " + err.Error()), struct{}{}, nil
		}
		return textResult("removed container for " + input.ConversationID), struct{}{}, nil
	})
}

// formatResult renders one execution outcome as tool output text.
func formatResult(conversationID string, res *sandbox.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "conversation: %s\nexit code: %d\nduration: %s\n",
		conversationID, res.ExitCode, res.Duration.Round(time.Millisecond))
	if res.TimedOut {
		b.WriteString("timed out: true\n")
	}
	if res.Stdout != "" {
		b.WriteString("\nstdout:\n" + res.Stdout)
	}
	if res.Stderr != "" {
		b.WriteString("\nstderr:\n" + res.Stderr)
	}
	if len(res.Files) > 0 {
		b.WriteString("\nfiles:\n")
		for _, f := range res.Files {
			fmt.Fprintf(&b, "  %s (%d bytes)\n", f.Name, f.Size)
		}
	}
	return b.String()
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
	}
}

// handlers.go contains the command handlers: wiring the runtime from config
// and driving it from the terminal.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/strandlabs/strand/internal/agent"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/metrics"
	"github.com/strandlabs/strand/internal/providers"
	"github.com/strandlabs/strand/internal/sessions"
	"github.com/strandlabs/strand/internal/telemetry"
	"github.com/strandlabs/strand/internal/tools"
	"github.com/strandlabs/strand/internal/tools/files"
	"github.com/strandlabs/strand/internal/tools/subagent"
	"github.com/strandlabs/strand/pkg/models"
)

// builtinTools is the default tool set when the config names none.
var builtinTools = []string{"read", "write", "edit", "spawn_subagent"}

// applyLogging reconfigures the default logger from the loaded config.
func applyLogging(cfg config.LoggingConfig, debug bool) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildRuntime assembles the full runtime from config: session store, tool
// registry, provider stream, and optional metrics and tracing.
func buildRuntime(cfg *config.Config) (*agent.Runtime, func(), error) {
	stream, err := providers.StreamFor(cfg.Provider)
	if err != nil {
		return nil, nil, err
	}
	store, err := sessions.NewFileStore(cfg.SessionDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}

	registry := tools.NewRegistry()
	enabled := cfg.Tools
	if len(enabled) == 0 {
		enabled = builtinTools
	}
	fileCfg := files.Config{AllowWrite: cfg.Sandbox.AllowWrite}
	spawnEnabled := false
	for _, name := range enabled {
		var terr error
		switch name {
		case "read":
			terr = registry.Register(files.NewReadTool(fileCfg))
		case "write":
			terr = registry.Register(files.NewWriteTool(fileCfg))
		case "edit":
			terr = registry.Register(files.NewEditTool(fileCfg))
		case "spawn_subagent":
			spawnEnabled = true
		default:
			return nil, nil, fmt.Errorf("unknown tool in config: %s", name)
		}
		if terr != nil {
			return nil, nil, terr
		}
	}

	rt := agent.NewRuntime(cfg, store, registry, stream)

	// The spawn tool reaches back into the runtime, so it registers after
	// construction.
	if spawnEnabled {
		if err := registry.Register(subagent.NewSpawnTool(rt)); err != nil {
			return nil, nil, err
		}
	}

	cleanup := func() {}
	if cfg.Telemetry.Enabled {
		tracer, shutdown := telemetry.NewTracer(telemetry.TraceConfig{
			ServiceName:    cfg.Telemetry.Service,
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.Endpoint,
			EnableInsecure: true,
		})
		rt.SetTracer(tracer)
		cleanup = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}
	}
	if cfg.Metrics.Enabled {
		rt.SetMetrics(metrics.NewMetrics())
		addr := cfg.Metrics.Addr
		if addr == "" {
			addr = ":9464"
		}
		go serveMetrics(addr)
	}
	return rt, cleanup, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server failed", "addr", addr, "error", err)
	}
}

// =============================================================================
// Chat
// =============================================================================

func runChat(cmd *cobra.Command, configPath, sessionID string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogging(cfg.Logging, debug)

	rt, cleanup, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionKey := agent.SessionKeyFor(cfg.NormalizedAgentID(), sessionID)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "strand %s | session %s | model %s/%s\n", version, sessionID, cfg.Provider, cfg.Model)
	fmt.Fprintln(out, "Type to talk. While the agent works, typed lines steer it. /abort, /reset, /quit.")

	// Stdin runs on its own goroutine so lines typed mid-run become steering
	// instead of waiting for the run to finish.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		line, ok := <-lines
		if !ok {
			return nil
		}
		text := strings.TrimSpace(line)
		switch text {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/abort":
			fmt.Fprintln(out, "no active run")
			continue
		case "/reset":
			if err := rt.Reset(ctx, sessionKey); err != nil {
				fmt.Fprintf(out, "reset failed: %v\n", err)
			} else {
				fmt.Fprintln(out, "session cleared")
			}
			continue
		}

		handle, err := rt.Start(ctx, sessionKey, text)
		if err != nil {
			return err
		}
		if quit := followRun(ctx, out, rt, handle, sessionKey, lines, debug); quit {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// followRun renders one run's event stream while feeding typed lines back in
// as steering. It returns once the run's terminal event has arrived, and
// reports whether the user asked to quit.
func followRun(ctx context.Context, out io.Writer, rt *agent.Runtime, handle *agent.RunHandle, sessionKey string, lines <-chan string, debug bool) bool {
	for {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				return false
			}
			renderEvent(out, ev, debug)
		case line, ok := <-lines:
			if !ok {
				rt.Abort(handle.RunID)
				drainEvents(out, handle, debug)
				return true
			}
			text := strings.TrimSpace(line)
			switch text {
			case "":
			case "/abort":
				rt.Abort(handle.RunID)
			case "/quit", "/exit":
				rt.Abort(handle.RunID)
				drainEvents(out, handle, debug)
				return true
			default:
				rt.Steer(sessionKey, text)
				fmt.Fprintln(out, "\n[queued as steering]")
			}
		case <-ctx.Done():
			rt.Abort(handle.RunID)
			drainEvents(out, handle, debug)
			return false
		}
	}
}

func drainEvents(out io.Writer, handle *agent.RunHandle, debug bool) {
	for ev := range handle.Events() {
		renderEvent(out, ev, debug)
	}
}

// renderEvent writes a terminal-friendly view of one event.
func renderEvent(out io.Writer, ev models.AgentEvent, debug bool) {
	switch ev.Type {
	case models.EventMessageDelta:
		fmt.Fprint(out, ev.Delta)
	case models.EventMessageEnd:
		fmt.Fprintln(out)
	case models.EventToolExecutionStart:
		if ev.Tool != nil {
			fmt.Fprintf(out, "[%s %s]\n", ev.Tool.Name, compactJSON(ev.Tool.Input))
		}
	case models.EventToolExecutionEnd:
		if ev.Tool != nil && ev.Tool.IsError {
			fmt.Fprintf(out, "[%s failed: %s]\n", ev.Tool.Name, firstLine(ev.Tool.Result))
		}
	case models.EventToolSkipped:
		if ev.Tool != nil {
			fmt.Fprintf(out, "[%s skipped]\n", ev.Tool.Name)
		}
	case models.EventSteering:
		if ev.Steering != nil {
			fmt.Fprintf(out, "[steering absorbed: %s]\n", firstLine(ev.Steering.Text))
		}
	case models.EventRetry:
		if ev.Retry != nil {
			fmt.Fprintf(out, "[rate limited, retry %d in %s]\n", ev.Retry.Attempt, ev.Retry.Delay)
		}
	case models.EventCompaction:
		if ev.Compact != nil {
			fmt.Fprintf(out, "[compacted %d messages: %d -> %d tokens]\n",
				ev.Compact.DroppedMessages, ev.Compact.TokensBefore, ev.Compact.TokensAfter)
		}
	case models.EventContextOverflowCompact:
		fmt.Fprintln(out, "[context overflow, compacting]")
	case models.EventSubagentSummary:
		if ev.Subagent != nil {
			fmt.Fprintf(out, "[subagent %s finished]\n", ev.Subagent.SubagentID)
		}
	case models.EventSubagentError:
		if ev.Subagent != nil {
			fmt.Fprintf(out, "[subagent %s failed: %s]\n", ev.Subagent.SubagentID, ev.Subagent.Error)
		}
	case models.EventAgentError:
		if ev.Error != nil {
			fmt.Fprintf(out, "\nerror: %s\n", ev.Error.Message)
		}
	case models.EventAgentEnd:
		if debug && ev.Stats != nil {
			fmt.Fprintf(out, "[%d turns, %d tool calls, %dms]\n",
				ev.Stats.Turns, ev.Stats.ToolCalls, ev.Stats.DurationMs)
		}
	}
}

func compactJSON(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	const max = 80
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 120
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// =============================================================================
// One-shot run
// =============================================================================

func runOnce(cmd *cobra.Command, configPath, sessionID, prompt string, quiet bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogging(cfg.Logging, false)

	rt, cleanup, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionKey := agent.SessionKeyFor(cfg.NormalizedAgentID(), sessionID)
	out := cmd.OutOrStdout()

	handle, err := rt.Start(ctx, sessionKey, prompt)
	if err != nil {
		return err
	}
	for ev := range handle.Events() {
		if !quiet {
			renderEvent(out, ev, false)
		}
	}
	result, err := handle.Wait()
	if err != nil {
		return err
	}
	if quiet {
		fmt.Fprintln(out, result.Text)
	}
	return nil
}

// =============================================================================
// Sessions
// =============================================================================

func openGuard(configPath string) (*config.Config, *sessions.Guard, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := sessions.NewFileStore(cfg.SessionDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}
	return cfg, sessions.NewGuard(store), nil
}

func runSessionsList(cmd *cobra.Command, configPath string) error {
	_, guard, err := openGuard(configPath)
	if err != nil {
		return err
	}
	infos, err := guard.List()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tENTRIES\tLAST ACTIVITY")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%s\n", info.Key, info.Entries, info.LastActivity.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, configPath, sessionID string) error {
	cfg, guard, err := openGuard(configPath)
	if err != nil {
		return err
	}
	key := agent.SessionKeyFor(cfg.NormalizedAgentID(), sessionID)
	history, err := guard.Load(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if len(history) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Session is empty.")
		return nil
	}
	out := cmd.OutOrStdout()
	for _, msg := range history {
		fmt.Fprintf(out, "--- %s ---\n", msg.Role)
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				fmt.Fprintln(out, block.Text)
			case models.BlockThinking:
				fmt.Fprintf(out, "(thinking) %s\n", firstLine(block.Text))
			case models.BlockToolUse:
				fmt.Fprintf(out, "(tool_use %s %s)\n", block.Name, compactJSON(block.Input))
			case models.BlockToolResult:
				fmt.Fprintf(out, "(tool_result %s) %s\n", block.Name, firstLine(block.Content))
			}
		}
	}
	return nil
}

func runSessionsReset(cmd *cobra.Command, configPath, sessionID string) error {
	cfg, guard, err := openGuard(configPath)
	if err != nil {
		return err
	}
	key := agent.SessionKeyFor(cfg.NormalizedAgentID(), sessionID)
	if err := guard.Clear(cmd.Context(), key); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s cleared.\n", sessionID)
	return nil
}

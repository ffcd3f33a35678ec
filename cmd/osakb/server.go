package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/osakb/internal/api"
	"github.com/kalambet/osakb/internal/config"
	"github.com/kalambet/osakb/internal/ingest"
	"github.com/kalambet/osakb/internal/scheduler"
	"github.com/kalambet/osakb/internal/search"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, MCP server, job worker and scheduler (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("stdio")
		return runServer(stdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running osakb server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, sync and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("stdio", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "osakb.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(stdio bool) error {
	fmt.Fprintf(os.Stderr, "osakb version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logCloser := setupLogging(cfg.Log)
	defer logCloser.Close()

	if cfg.API.Token == "" {
		slog.Warn("OSA_API_TOKEN not set; POST /sync/trigger is disabled")
	}

	// Any answer from /health, healthy or not, means a server owns the port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("osakb is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("osakb is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	slog.Info("communities loaded", "count", a.registry.Len(), "ids", a.registry.IDs())

	if err := a.ensureModels(ctx); err != nil {
		slog.Warn("ollama models unavailable; faq runs will fail", "error", err)
	}

	// Jobs left running by a crash go back to the queue.
	if n, err := a.store.RequeueRunning(ctx); err != nil {
		slog.Warn("requeueing interrupted jobs", "error", err)
	} else if n > 0 {
		slog.Info("requeued interrupted jobs", "count", n)
	}

	worker := ingest.NewWorker(a.store, a.orch, 500*time.Millisecond)
	go worker.Run(ctx)

	var schedule func() []scheduler.Entry
	if cfg.Sync.Enabled {
		sched := scheduler.New(a.registry, a.store, a.dbs)
		n, err := sched.Register()
		if err != nil {
			return fmt.Errorf("registering schedules: %w", err)
		}
		seeded, err := sched.Seed(ctx)
		if err != nil {
			slog.Warn("seeding empty sources", "error", err)
		}
		sched.Start()
		defer func() {
			select {
			case <-sched.Stop().Done():
			case <-time.After(5 * time.Second):
			}
		}()
		schedule = sched.Entries
		slog.Info("scheduler started", "entries", n, "seeded", seeded)
	} else {
		slog.Info("scheduler disabled")
	}

	searchOpts := search.Options{
		DedupThreshold: cfg.Search.DedupThreshold,
		MinTokenLength: cfg.Search.MinTokenLength,
	}
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Registry: a.registry,
		DBs:      a.dbs,
		Search:   searchOpts,
		Version:  version,
	})
	if stdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	topRouter := chi.NewRouter()
	topRouter.Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))
	topRouter.Mount("/", api.NewHandler(api.Deps{
		Registry: a.registry,
		DBs:      a.dbs,
		Syncer:   a.orch,
		Store:    a.store,
		Schedule: schedule,
		Token:    cfg.API.Token,
		Search:   searchOpts,
	}))

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "osakb listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("osakb is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop osakb (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to osakb (PID %d)", pid)
	return nil
}

type statusReport struct {
	Communities []struct {
		ID       string         `json:"id"`
		Status   string         `json:"status"`
		Failures map[string]int `json:"consecutive_failures"`
		Stats    struct {
			GitHubTotal     int `json:"github_total"`
			PapersTotal     int `json:"papers_total"`
			DocstringsTotal int `json:"docstrings_total"`
			MailingList     int `json:"mailing_list_total"`
			FAQTotal        int `json:"faq_total"`
			DiscourseTotal  int `json:"discourse_total"`
			BEPsTotal       int `json:"beps_total"`
		} `json:"stats"`
	} `json:"communities"`
	SchedulerEnabled bool `json:"scheduler_enabled"`
	Schedule         []struct {
		Community string    `json:"community"`
		SyncType  string    `json:"sync_type"`
		Next      time.Time `json:"next_run"`
	} `json:"schedule"`
	Jobs   map[string]int `json:"jobs"`
	Health struct {
		Status         string   `json:"status"`
		GitHubAgeHours *float64 `json:"github_age_hours"`
	} `json:"health"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.API.Token,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	resp, err := client.get(ctx, "/sync/status")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	var st statusReport
	if err := decodeJSON(resp, &st); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}
	printStatusReport(cfg, st)
	return nil
}

func printStatusReport(cfg config.Config, st statusReport) {
	printStatus("Server", "running on port %d", cfg.Server.Port)
	health := st.Health.Status
	if st.Health.GitHubAgeHours != nil {
		health = fmt.Sprintf("%s (last GitHub sync %.1fh ago)", health, *st.Health.GitHubAgeHours)
	}
	printStatus("Health", "%s", health)

	for _, c := range st.Communities {
		s := c.Stats
		printStatus(c.ID, "%s: %d github, %d papers, %d docstrings, %d messages, %d faq, %d topics, %d beps",
			c.Status, s.GitHubTotal, s.PapersTotal, s.DocstringsTotal, s.MailingList, s.FAQTotal, s.DiscourseTotal, s.BEPsTotal)
		for t, n := range c.Failures {
			printWarning("%s/%s: %d consecutive failures", c.ID, t, n)
		}
	}

	if !st.SchedulerEnabled {
		printStatus("Scheduler", "disabled")
	} else {
		printStatus("Scheduler", "%d entries", len(st.Schedule))
		for _, e := range st.Schedule {
			fmt.Fprintf(os.Stderr, "    %-10s %-11s next %s\n", e.Community, e.SyncType, e.Next.Local().Format(time.DateTime))
		}
	}

	var jobs []string
	for _, status := range []string{"pending", "running", "failed"} {
		jobs = append(jobs, fmt.Sprintf("%d %s", st.Jobs[status], status))
	}
	printStatus("Jobs", "%s", strings.Join(jobs, ", "))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
}

func printJSON(v any) error { return printJSONTo(os.Stdout, v) }

func printJSONTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

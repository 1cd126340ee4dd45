package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/robfig/cron/v3"

	"github.com/calaider/calaider/internal/analysis"
	"github.com/calaider/calaider/internal/applog"
	"github.com/calaider/calaider/internal/config"
	"github.com/calaider/calaider/internal/export"
	"github.com/calaider/calaider/internal/extract"
	"github.com/calaider/calaider/internal/model"
	"github.com/calaider/calaider/internal/server"
	"github.com/calaider/calaider/internal/store"
	"github.com/calaider/calaider/internal/tui"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "sessions":
			runSessions(os.Args[2:])
			return
		case "export":
			runExport(os.Args[2:])
			return
		case "clear":
			runClear(os.Args[2:])
			return
		case "prewarm":
			runPrewarm(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	// No subcommand: serve is the default.
	runServe(os.Args[1:])
}

func printHelp() {
	fmt.Print(`calaider — local analysis host for the CalAIder extension

Usage:
  calaider [serve]                       Run the analysis host (default)
    --port <n>             WebSocket port the extension connects to (default: 19292)
    --db <path>            SQLite database path (default: ~/.local/share/calaider/calaider.db)
    --model <name>         Model name, pulled on first use (default: llama3.2:3b)
    --ollama <url>         Model engine base URL (default: http://127.0.0.1:11434)
    --tui                  Show a live progress view instead of running headless

  calaider sessions                      List persisted analysis sessions
    --db <path>            SQLite database path

  calaider export                        Export detected events for a URL
    --url <url>            Page URL (required)
    --format <fmt>         Output format: ics, json, or md (default: ics)
    --out <file>           Output file path (default: stdout)
    --db <path>            SQLite database path

  calaider clear                         Drop the session and cache for a URL
    --url <url>            Page URL (required)
    --db <path>            SQLite database path

  calaider prewarm                       Pull the model and report readiness
    --model <name>         Model name
    --ollama <url>         Model engine base URL

Environment:
  CALAIDER_PORT          WebSocket port (overridden by --port)
  CALAIDER_DB            SQLite database path (overridden by --db)
  CALAIDER_MODEL         Model name (overridden by --model)
  CALAIDER_OLLAMA_HOST   Model engine base URL (overridden by --ollama)
  CALAIDER_CACHE_TTL     Detected-events freshness window (default: 1h)
  CALAIDER_PRUNE_AGE     Cache entries older than this are swept (default: 24h)
  CALAIDER_PRUNE_CRON    Cron spec for the cache sweep (default: @every 15m)
  CALAIDER_LOG_DIR       Log directory (default: ~/.local/share/calaider)

A .env file in the working directory is loaded before reading the environment.
`)
}

func loadConfig() config.Config {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openDB(path string) *sql.DB {
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	db, err := store.OpenDB(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	return db
}

func runServe(args []string) {
	cfg := loadConfig()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", cfg.Port, "WebSocket port the extension connects to")
	dbPath := fs.String("db", cfg.DBPath, "SQLite database path")
	modelName := fs.String("model", cfg.Model, "Model name, pulled on first use")
	ollamaHost := fs.String("ollama", cfg.OllamaHost, "Model engine base URL")
	withTUI := fs.Bool("tui", false, "Show a live progress view instead of running headless")
	fs.Parse(args)

	if err := applog.Init(cfg.LogDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log: %v\n", err)
		os.Exit(1)
	}
	defer applog.Close()

	db := openDB(*dbPath)
	defer db.Close()

	sessions := model.NewManager(*ollamaHost, *modelName)
	invoker := extract.New(sessions)

	// The runner broadcasts to the extension, and in --tui mode also to the
	// local view. The server variable is assigned before any run can start.
	var srv *server.Server
	var updates chan analysis.Progress
	if *withTUI {
		updates = make(chan analysis.Progress, 64)
	}
	broadcast := func(p analysis.Progress) {
		srv.Broadcast(p)
		if updates != nil {
			select {
			case updates <- p:
			default: // a slow view never stalls the orchestrator
			}
		}
	}

	runner := analysis.NewRunner(db, invoker, broadcast)
	srv = server.New(*port, &server.Host{
		DB:       db,
		Runner:   runner,
		Invoker:  invoker,
		CacheTTL: cfg.CacheTTL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Warm the model in the background so the first extraction is fast.
	go func() {
		if err := sessions.Prewarm(ctx, nil); err != nil {
			applog.Error("model.prewarm", err, "model", *modelName)
		} else {
			applog.Info("model.ready", "model", *modelName)
		}
	}()

	// Periodic sweep of stale detected-events rows.
	c := cron.New()
	if _, err := c.AddFunc(cfg.PruneSpec, func() {
		n, err := store.PruneDetectedEvents(db, cfg.PruneAge)
		if err != nil {
			applog.Error("cache.prune", err)
			return
		}
		if n > 0 {
			applog.Info("cache.prune", "removed", n)
		}
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error scheduling cache sweep %q: %v\n", cfg.PruneSpec, err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(ctx)
	}()

	if *withTUI {
		p := tea.NewProgram(tui.NewModel(updates), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "calaider listening on 127.0.0.1:%d (model %s)\n", *port, *modelName)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case sig := <-sigs:
		applog.Info("server.stop", "signal", sig.String())
	}
}

func runSessions(args []string) {
	cfg := loadConfig()

	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	dbPath := fs.String("db", cfg.DBPath, "SQLite database path")
	fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()

	sessions, err := store.ListSessions(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
		os.Exit(1)
	}

	if len(sessions) == 0 {
		fmt.Println("No analysis sessions found.")
		return
	}

	fmt.Printf("%-9s %-12s %-17s %s\n", "DONE", "INTERRUPTED", "UPDATED", "URL")
	for _, s := range sessions {
		interrupted := ""
		if s.IsRunning {
			interrupted = "yes"
		}
		fmt.Printf("%4d/%-4d %-12s %-17s %s\n",
			s.Completed,
			s.TotalItems,
			interrupted,
			s.LastUpdated.Format("2006-01-02 15:04"),
			s.URL,
		)
	}
}

func runExport(args []string) {
	cfg := loadConfig()

	fs := flag.NewFlagSet("export", flag.ExitOnError)
	url := fs.String("url", "", "Page URL (required)")
	format := fs.String("format", export.FormatICS, "Output format: ics, json, or md")
	outFile := fs.String("out", "", "Output file path (default: stdout)")
	dbPath := fs.String("db", cfg.DBPath, "SQLite database path")
	fs.Parse(args)

	if *url == "" {
		fmt.Fprintln(os.Stderr, "Usage: calaider export --url <url> [--format ics|json|md] [--out file]")
		os.Exit(1)
	}

	db := openDB(*dbPath)
	defer db.Close()

	snap, err := store.LoadDetectedEvents(db, *url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if snap == nil || len(snap.Events) == 0 {
		fmt.Fprintf(os.Stderr, "No detected events for %s\n", *url)
		os.Exit(1)
	}

	output, err := export.Render(*url, snap, *format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *outFile != "" {
		if err := os.WriteFile(*outFile, []byte(output), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
	} else {
		fmt.Print(output)
	}
}

func runClear(args []string) {
	cfg := loadConfig()

	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	url := fs.String("url", "", "Page URL (required)")
	dbPath := fs.String("db", cfg.DBPath, "SQLite database path")
	fs.Parse(args)

	if *url == "" {
		fmt.Fprintln(os.Stderr, "Usage: calaider clear --url <url>")
		os.Exit(1)
	}

	db := openDB(*dbPath)
	defer db.Close()

	if err := store.Clear(db, *url); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Cleared analysis state for %s\n", *url)
}

func runPrewarm(args []string) {
	cfg := loadConfig()

	fs := flag.NewFlagSet("prewarm", flag.ExitOnError)
	modelName := fs.String("model", cfg.Model, "Model name")
	ollamaHost := fs.String("ollama", cfg.OllamaHost, "Model engine base URL")
	fs.Parse(args)

	sessions := model.NewManager(*ollamaHost, *modelName)

	mon := &model.Monitor{
		OnStart: func() {
			fmt.Fprintf(os.Stderr, "Pulling %s...\n", *modelName)
		},
		OnProgress: func(p float64) {
			fmt.Fprintf(os.Stderr, "\r%3.0f%%", p*100)
		},
		OnDone: func() {
			fmt.Fprintln(os.Stderr, "\rPull complete.")
		},
	}

	if err := sessions.Prewarm(context.Background(), mon); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Model %s is ready at %s\n", *modelName, *ollamaHost)
}

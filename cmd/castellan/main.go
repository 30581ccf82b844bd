// Command castellan runs the authority governance core: a hash-chained audit
// ledger, multi-tier approval engine, emergency authority, and the
// escalation monitor, exposed over an HTTP reporting API.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/castellan-io/castellan/pkg/api"
	"github.com/castellan-io/castellan/pkg/approval"
	"github.com/castellan-io/castellan/pkg/authority"
	"github.com/castellan-io/castellan/pkg/catalog"
	"github.com/castellan-io/castellan/pkg/config"
	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/directory"
	"github.com/castellan-io/castellan/pkg/emergency"
	"github.com/castellan-io/castellan/pkg/ledger"
	"github.com/castellan-io/castellan/pkg/monitor"
	"github.com/castellan-io/castellan/pkg/notify"
	"github.com/castellan-io/castellan/pkg/observability"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "demo":
		return runDemo(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: castellan <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve    Run the governance core server (default)")
	fmt.Fprintln(w, "  verify   Verify the full audit chain and exit")
	fmt.Fprintln(w, "  demo     Walk a seeded approval and emergency scenario in memory")
	fmt.Fprintln(w, "  help     Show this help")
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// openStores opens the embedded sqlite audit ledger, and postgres for the
// approval store when DATABASE_URL is set (in-memory otherwise).
func openStores(cfg *config.Config) (ledger.Store, approval.Store, func(), error) {
	db, err := sql.Open("sqlite", cfg.LedgerPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	store, err := ledger.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	if cfg.DatabaseURL == "" {
		return store, approval.NewMemoryStore(), func() { db.Close() }, nil
	}

	pg, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	approvals := approval.NewPostgresStore(pg)
	if err := approvals.EnsureSchema(context.Background()); err != nil {
		pg.Close()
		db.Close()
		return nil, nil, nil, err
	}
	closer := func() {
		pg.Close()
		db.Close()
	}
	return store, approvals, closer, nil
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogPath == "" {
		return catalog.Default(), nil
	}
	return catalog.LoadFile(cfg.CatalogPath)
}

func runServe(stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogger(cfg.LogLevel)
	logger := slog.Default().With("component", "main")
	ctx := context.Background()

	cat, err := loadCatalog(cfg)
	if err != nil {
		logger.Error("catalog load failed", "error", err)
		return 1
	}

	store, approvalStore, closeStores, err := openStores(cfg)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		return 1
	}
	defer closeStores()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "castellan",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	audit := ledger.New(store, ledger.NewAlertStore()).WithObservability(obs)
	dir := directory.NewStatic()
	notifier := notify.NewLogNotifier(cfg.NotifyPerSecond, cfg.NotifyBurst)
	resolver := authority.NewResolver(cat)
	engine := approval.NewEngine(cat, resolver, dir, audit, notifier, approvalStore).
		WithObservability(obs)
	em, err := emergency.NewManager(cat, resolver, dir, audit, notifier, emergency.NewMemoryStore())
	if err != nil {
		logger.Error("emergency init failed", "error", err)
		return 1
	}
	em.WithObservability(obs)

	mon := monitor.New(engine, em, audit, cfg.SweepInterval).WithObservability(obs)
	mon.Start(ctx)
	defer mon.Stop()

	archiver, err := ledger.NewArchiver(audit, ledger.NewMemoryArchive(),
		cfg.ArchiveRetention, cfg.ArchiveDeleteAfter)
	if err != nil {
		logger.Error("archiver init failed", "error", err)
		return 1
	}
	go runArchiveLoop(ctx, archiver, logger)

	svc := api.NewService(audit, engine, em)
	handler := api.NewGlobalRateLimiter(20, 40).Middleware(
		api.WithTracing(obs, api.WithLogging(logger, svc.Routes())))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

// runArchiveLoop runs the retention job daily.
func runArchiveLoop(ctx context.Context, archiver *ledger.Archiver, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := archiver.Run(ctx); err != nil {
				logger.Error("archive run failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// runVerify walks the entire stored chain and reports broken records.
func runVerify(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogger(cfg.LogLevel)
	if len(args) > 0 {
		cfg.LedgerPath = args[0]
	}

	db, err := sql.Open("sqlite", cfg.LedgerPath)
	if err != nil {
		fmt.Fprintf(stderr, "open ledger: %v\n", err)
		return 1
	}
	defer db.Close()

	store, err := ledger.NewSQLiteStore(db)
	if err != nil {
		fmt.Fprintf(stderr, "open ledger: %v\n", err)
		return 1
	}

	ctx := context.Background()
	audit := ledger.New(store, ledger.NewAlertStore())
	records, err := audit.Query(ctx, ledger.Filter{})
	if err != nil {
		fmt.Fprintf(stderr, "query ledger: %v\n", err)
		return 1
	}
	if len(records) == 0 {
		fmt.Fprintln(stdout, "ledger is empty")
		return 0
	}

	// Query returns most recent first; verification wants chain order.
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[len(records)-1-i] = rec.ID
	}
	broken, err := audit.VerifyChain(ctx, ids)
	if err != nil {
		fmt.Fprintf(stderr, "verify chain: %v\n", err)
		return 1
	}
	if len(broken) > 0 {
		fmt.Fprintf(stderr, "INTEGRITY FAILURE: %d of %d records broken\n", len(broken), len(ids))
		for _, idx := range broken {
			fmt.Fprintf(stderr, "  broken: %s\n", ids[idx])
		}
		return 1
	}
	fmt.Fprintf(stdout, "chain intact: %d records verified\n", len(ids))
	return 0
}

// runDemo walks an in-memory approval and emergency scenario end to end and
// prints each state, as a quick smoke check of the wiring.
func runDemo(stdout, stderr io.Writer) int {
	setupLogger("WARN")
	ctx := context.Background()

	cat := catalog.Default()
	resolver := authority.NewResolver(cat)
	audit := ledger.New(ledger.NewMemoryStore(), ledger.NewAlertStore())
	notifier := notify.NewRecorder()

	dir := directory.NewStatic()
	actors := []contracts.Actor{
		{ID: "staff-1", Name: "Sam", Level: 1, Department: "engineering"},
		{ID: "mgr-1", Name: "Morgan", Level: 3, Department: "engineering", BudgetCeiling: 2_000_000},
		{ID: "dir-1", Name: "Devon", Level: 4, Department: "engineering", BudgetCeiling: 5_000_000},
		{ID: "vp-1", Name: "Val", Level: 5, Department: "corporate", BudgetCeiling: 10_000_000},
		{ID: "exec-1", Name: "Ezra", Level: 6, Department: "corporate", BudgetCeiling: 50_000_000},
		{ID: "ceo-1", Name: "Casey", Level: 7, Department: "corporate", BudgetCeiling: -1},
	}
	for _, a := range actors {
		dir.Add(a)
	}

	engine := approval.NewEngine(cat, resolver, dir, audit, notifier, approval.NewMemoryStore())
	em, err := emergency.NewManager(cat, resolver, dir, audit, notifier, emergency.NewMemoryStore())
	if err != nil {
		fmt.Fprintf(stderr, "demo setup failed: %v\n", err)
		return 1
	}

	dump := func(label string, v any) {
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Fprintf(stdout, "== %s ==\n%s\n\n", label, b)
	}

	req, err := engine.CreateRequest(ctx, actors[0], "lab-upgrade", 1_500_000, "new test rigs")
	if err != nil {
		fmt.Fprintf(stderr, "create request failed: %v\n", err)
		return 1
	}
	dump("approval request created", req)

	req, err = engine.ProcessApproval(ctx, actors[1], req.ID, contracts.DecisionApproved, "fits department plan")
	if err != nil {
		fmt.Fprintf(stderr, "manager approval failed: %v\n", err)
		return 1
	}
	dump("after manager approval", req)

	req, err = engine.ProcessApproval(ctx, actors[2], req.ID, contracts.DecisionApproved, "budget confirmed")
	if err != nil {
		fmt.Fprintf(stderr, "director approval failed: %v\n", err)
		return 1
	}
	dump("request fully approved", req)

	action, err := em.Declare(ctx, actors[2], contracts.EmergencyFacility,
		"power_outage", "switch_to_generators", []string{"datacenter-1"}, "grid failure")
	if err != nil {
		fmt.Fprintf(stderr, "emergency declaration failed: %v\n", err)
		return 1
	}
	dump("emergency declared", action)

	action, err = em.SubmitReport(ctx, actors[2], action.ID, map[string]any{
		"actions_taken":      "switched datacenter-1 to generators",
		"resources_deployed": "facilities on-call crew",
		"damage_assessment":  "no hardware loss",
		"followup_required":  "fuel resupply within 48h",
	})
	if err != nil {
		fmt.Fprintf(stderr, "report submission failed: %v\n", err)
		return 1
	}
	dump("post-action report filed", action)

	records, err := audit.Query(ctx, ledger.Filter{})
	if err != nil {
		fmt.Fprintf(stderr, "audit query failed: %v\n", err)
		return 1
	}
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[len(records)-1-i] = rec.ID
	}
	broken, err := audit.VerifyChain(ctx, ids)
	if err != nil {
		fmt.Fprintf(stderr, "chain verification failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "audit chain: %d records, %d broken\n", len(ids), len(broken))
	fmt.Fprintf(stdout, "notifications sent: %d\n", len(notifier.Sent()))
	return 0
}

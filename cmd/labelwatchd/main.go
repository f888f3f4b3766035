// labelwatchd - observes third-party label issuers and derives
// auditable behavioral signals from their accumulated history.
//
//	labelwatchd init      Initialize the database
//	labelwatchd ingest    Poll the upstream feed once
//	labelwatchd scan      Run one full evaluation pass
//	labelwatchd derive    Recompute classification and regimes only
//	labelwatchd status    Show tracked labelers and recent alerts
//	labelwatchd run       Run the ingest/scan loop
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"labelwatch/internal/config"
	"labelwatch/internal/ingest"
	"labelwatch/internal/logging"
	"labelwatch/internal/scan"
	"labelwatch/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = cmdInit(args)
	case "ingest":
		err = cmdIngest(args)
	case "scan":
		err = cmdScan(args)
	case "derive":
		err = cmdDerive(args)
	case "status":
		err = cmdStatus(args)
	case "run":
		err = cmdRun(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "labelwatchd %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`labelwatchd - label issuer observatory

USAGE:
    labelwatchd <command> [options]

COMMANDS:
    init        Create or migrate the database
    ingest      Poll the upstream label feed once
    scan        Run one full evaluation pass (classify, derive, rules)
    derive      Recompute classification and regimes without rules
    status      Show tracked labelers and recent alerts
    run         Run the ingest/scan loop until interrupted
    help        Show this help message

Every command accepts -config <path> pointing at a TOML file.`)
}

// setup loads configuration, wires logging, and opens the store.
func setup(args []string, name string) (*config.Config, *store.Store, error) {
	return setupFlags(flag.NewFlagSet(name, flag.ExitOnError), args)
}

// setupFlags is setup for commands that register extra flags on fs
// before calling it.
func setupFlags(fs *flag.FlagSet, args []string) (*config.Config, *store.Store, error) {
	configPath := fs.String("config", "", "path to TOML configuration file")
	dbPath := fs.String("db", "", "database path override")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, nil, err
	}
	if *dbPath != "" {
		cfg.Storage.DBPath = *dbPath
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	logging.SetDefault(logging.New(&logging.Config{
		Level:     level,
		Format:    cfg.Logging.Format,
		Output:    "stderr",
		Component: "labelwatchd",
	}))

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func cmdInit(args []string) error {
	cfg, st, err := setup(args, "init")
	if err != nil {
		return err
	}
	defer st.Close()

	version, err := st.GetMeta("schema_version")
	if err != nil {
		return err
	}
	fmt.Printf("database ready at %s (schema v%s)\n", cfg.Storage.DBPath, version)
	return nil
}

func cmdIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	fixture := fs.String("fixture", "", "ingest a JSONL fixture file instead of polling")
	cfg, st, err := setupFlags(fs, args)
	if err != nil {
		return err
	}
	defer st.Close()

	ing := ingest.New(st, cfg.Ingest.Source)
	if *fixture != "" {
		res, err := ing.FromFixture(*fixture, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("ingested %d events (%d duplicates, %d skipped)\n",
			res.Inserted, res.Duplicates, len(res.Skipped))
		return nil
	}

	total, err := ing.FromService(context.Background(), cfg.Ingest.ServiceURL, cfg.Ingest.LabelerDIDs, 100, 10)
	if err != nil {
		return err
	}
	fmt.Printf("ingested %d events\n", total)
	return nil
}

func cmdScan(args []string) error {
	cfg, st, err := setup(args, "scan")
	if err != nil {
		return err
	}
	defer st.Close()

	summary, err := scan.New(st, cfg).RunScan(context.Background(), time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("scanned %d labelers: %d alerts, %d quarantined, %d receipts\n",
		summary.Labelers, summary.Alerts, summary.Suppressed, summary.ReceiptsEmitted)
	return nil
}

func cmdDerive(args []string) error {
	cfg, st, err := setup(args, "derive")
	if err != nil {
		return err
	}
	defer st.Close()

	summary, err := scan.New(st, cfg).RunDerive(context.Background(), time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("derived %d labelers: %d receipts, %d regime changes\n",
		summary.Labelers, summary.ReceiptsEmitted, summary.RegimeChanges)
	return nil
}

func cmdStatus(args []string) error {
	_, st, err := setup(args, "status")
	if err != nil {
		return err
	}
	defer st.Close()

	labelers, err := st.ListLabelers()
	if err != nil {
		return err
	}
	regimeChanges, err := st.LastRegimeChangeAll()
	if err != nil {
		return err
	}
	fmt.Printf("%d tracked labelers\n", len(labelers))
	for _, l := range labelers {
		regime := l.RegimeState
		if regime == "" {
			regime = "-"
		}
		changed := regimeChanges[l.DID]
		if changed == "" {
			changed = "-"
		}
		fmt.Printf("  %-40s %-14s %-16s audit=%s inf=%s coh=%s scans=%d since=%s\n",
			l.DID, l.VisibilityClass, regime,
			scoreOrDash(l.AuditabilityRisk),
			scoreOrDash(l.InferenceRisk),
			scoreOrDash(l.TemporalCoherence),
			l.ScanCount, changed)
	}

	since := store.FormatTS(time.Now().Add(-24 * time.Hour))
	alerts, err := st.ListAlerts(store.AlertFilter{Since: since})
	if err != nil {
		return err
	}
	fmt.Printf("%d alerts in the last 24h\n", len(alerts))
	for _, a := range alerts {
		fmt.Printf("  %s %-24s %s\n", a.TS, a.RuleID, a.LabelerDID)
	}
	return nil
}

func scoreOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func cmdRun(args []string) error {
	cfg, st, err := setup(args, "run")
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ing := ingest.New(st, cfg.Ingest.Source)
	orch := scan.New(st, cfg)
	log := logging.Default().WithComponent("runner")

	log.Info("starting loop",
		"ingest_interval", cfg.Scheduler.IngestInterval(),
		"scan_interval", cfg.Scheduler.ScanInterval())

	ingestTicker := time.NewTicker(cfg.Scheduler.IngestInterval())
	defer ingestTicker.Stop()
	scanTicker := time.NewTicker(cfg.Scheduler.ScanInterval())
	defer scanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ingestTicker.C:
			if _, err := ing.FromService(ctx, cfg.Ingest.ServiceURL, cfg.Ingest.LabelerDIDs, 100, 10); err != nil {
				log.Warn("ingest pass failed", "error", err)
			}
		case <-scanTicker.C:
			if _, err := orch.RunScan(ctx, time.Now()); err != nil {
				log.Error("scan pass failed", "error", err)
			}
		}
	}
}

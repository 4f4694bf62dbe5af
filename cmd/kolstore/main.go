// Command kolstore is the operational entry point for the CRM storage core:
// entity reads and writes plus the maintenance operations (audit, rebuild,
// reconcile, repair) that production incidents used to need ad hoc scripts for.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alisharafiiii/kol-discord-sub004/internal/audit"
	"github.com/alisharafiiii/kol-discord-sub004/internal/config"
	"github.com/alisharafiiii/kol-discord-sub004/internal/entity"
	"github.com/alisharafiiii/kol-discord-sub004/internal/rebuild"
	"github.com/alisharafiiii/kol-discord-sub004/internal/reconcile"
	"github.com/alisharafiiii/kol-discord-sub004/internal/service"
	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
	"github.com/alisharafiiii/kol-discord-sub004/internal/storage/dynamo"
	"github.com/alisharafiiii/kol-discord-sub004/internal/storage/memory"
)

const usage = `Usage: kolstore [-config path] <command> [arguments]

Commands:
  get        -kind user -key <natural key>
  put        -kind user -key <natural key> -fields '{"role":"kol"}'
  delete     -kind user -pk <primary key>
  audit      -kind user
  rebuild    -kind user -field role
  reconcile  -kind user
  repair     -kind user
`

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kolstore: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kolstore: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("command failed", zap.String("command", flag.Arg(0)), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, command string, args []string) error {
	stores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}

	metrics := storage.NewMetrics(prometheus.NewRegistry())
	resilient := storage.Resilient(stores, storage.RetryConfig{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}, metrics, logger)

	svc := service.New(resilient, entity.DefaultRegistry(), service.Options{
		EntityLockTTL:   cfg.Locks.EntityTTL,
		LockWaitTimeout: cfg.Locks.WaitTimeout,
		IndexCacheTTL:   cfg.Index.VersionCacheTTL,
		Audit: audit.Config{
			SampleRatio:    cfg.Audit.SampleRatio,
			DriftThreshold: cfg.Audit.DriftThreshold,
			PageSize:       cfg.Audit.PageSize,
		},
		Rebuild: rebuild.Config{
			ShrinkTolerance: cfg.Rebuild.ShrinkTolerance,
			LockTTL:         cfg.Rebuild.LockTTL,
			BackupRetention: cfg.Rebuild.BackupRetention,
			PageSize:        cfg.Rebuild.PageSize,
		},
		Reconcile: reconcile.Config{
			LockTTL:       cfg.Reconcile.LockTTL,
			EntityLockTTL: cfg.Reconcile.EntityLockTTL,
			PageSize:      cfg.Reconcile.PageSize,
		},
	}, metrics, logger)

	switch command {
	case "get":
		return runGet(ctx, svc, args)
	case "put":
		return runPut(ctx, svc, args)
	case "delete":
		return runDelete(ctx, svc, args)
	case "audit":
		return runAudit(ctx, svc, args)
	case "rebuild":
		return runRebuild(ctx, svc, args)
	case "reconcile":
		return runReconcile(ctx, svc, args)
	case "repair":
		return runRepair(ctx, svc, args)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command '%s'", command)
	}
}

func buildStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Stores, error) {
	switch cfg.Backend {
	case "memory":
		backend := memory.New()
		return storage.Stores{Documents: backend, Sets: backend, Locks: backend}, nil
	case "dynamodb":
		client, err := dynamo.NewClient(ctx, dynamo.Options{
			TableName: cfg.DynamoDB.TableName,
			Region:    cfg.DynamoDB.Region,
			Endpoint:  cfg.DynamoDB.Endpoint,
		})
		if err != nil {
			return storage.Stores{}, err
		}
		return dynamo.NewStores(client, cfg.DynamoDB.TableName, logger), nil
	default:
		return storage.Stores{}, fmt.Errorf("unknown backend '%s'", cfg.Backend)
	}
}

func runGet(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	kind := fs.String("kind", "user", "entity kind")
	key := fs.String("key", "", "natural key")
	fs.Parse(args)
	if *key == "" {
		return fmt.Errorf("get: -key is required")
	}

	e, err := svc.GetByNaturalKey(ctx, *kind, *key)
	if err != nil {
		return err
	}
	return printJSON(e)
}

func runPut(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	kind := fs.String("kind", "user", "entity kind")
	key := fs.String("key", "", "natural key")
	fieldsJSON := fs.String("fields", "{}", "entity fields as JSON")
	fs.Parse(args)
	if *key == "" {
		return fmt.Errorf("put: -key is required")
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(*fieldsJSON), &fields); err != nil {
		return fmt.Errorf("put: invalid -fields JSON: %w", err)
	}

	result, err := svc.Put(ctx, *kind, *key, fields)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runDelete(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	kind := fs.String("kind", "user", "entity kind")
	pk := fs.String("pk", "", "primary key")
	fs.Parse(args)
	if *pk == "" {
		return fmt.Errorf("delete: -pk is required")
	}
	return svc.Delete(ctx, *kind, *pk)
}

func runAudit(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	kind := fs.String("kind", "user", "entity kind")
	fs.Parse(args)

	reports, err := svc.RunAudit(ctx, *kind)
	if err != nil {
		return err
	}
	return printJSON(reports)
}

func runRebuild(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	kind := fs.String("kind", "user", "entity kind")
	field := fs.String("field", "", "indexed field")
	fs.Parse(args)
	if *field == "" {
		return fmt.Errorf("rebuild: -field is required")
	}

	report, err := svc.RunRebuild(ctx, *kind, *field)
	if report != nil {
		printJSON(report)
	}
	return err
}

func runReconcile(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	kind := fs.String("kind", "user", "entity kind")
	fs.Parse(args)

	records, err := svc.RunReconciliation(ctx, *kind)
	if err != nil {
		return err
	}
	return printJSON(records)
}

func runRepair(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	kind := fs.String("kind", "user", "entity kind")
	fs.Parse(args)

	repaired, err := svc.RepairIndexes(ctx, *kind)
	if err != nil {
		return err
	}
	fmt.Printf("repaired %d entities\n", repaired)
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}

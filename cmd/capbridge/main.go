// Package main is the entrypoint for capbridge, the capability bridge host and client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/morezero/capability-bridge/internal/config"
	"github.com/morezero/capability-bridge/internal/server"
	"github.com/morezero/capability-bridge/pkg/capability"
	"github.com/morezero/capability-bridge/pkg/db"
)

const usage = `Usage: capbridge [command]
       capbridge serve                    Start the bridge host (COMMS, HTTP, operations).
       capbridge call <op> [json-args...] Invoke an operation as a client and print the result.
       capbridge caps [role] [platform]   List capabilities and whether each is enabled.
       capbridge migrate up               Apply pending journal migrations.
       capbridge migrate status           Show applied and pending journal migrations.
       capbridge ensure-db                Create the DATABASE_URL database if missing.
       capbridge clear                    Truncate the invocation journal; schema is preserved.
       capbridge journal [operation]      Show recent invocations from the journal.

Arguments to call are parsed as JSON when they are valid JSON and passed as strings otherwise.

Environment: COMMS_URL, BRIDGE_SUBJECT, BRIDGE_CLIENT_ROLE, BRIDGE_PLATFORM, BRIDGE_ENABLE_REMOTE,
BRIDGE_FEATURES, BRIDGE_CATALOG_FILE, BRIDGE_WIRE_CODEC, BRIDGE_REQUEST_TIMEOUT, DATABASE_URL
(optional journal), MIGRATION_PATH, HTTP_PORT, LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	var err error
	switch cmd {
	case "serve", "":
		err = server.Run()
	case "call":
		if len(args) < 2 {
			log.Fatalf("capbridge call: operation name required")
		}
		err = runCall(os.Stdout, args[1], args[2:])
	case "caps":
		err = runCaps(os.Stdout, args[1:])
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("capbridge migrate: require subcommand (up, status)")
		}
		err = runMigrate(os.Stdout, args[1])
	case "ensure-db":
		err = runEnsureDB()
	case "clear":
		err = runClear()
	case "journal":
		op := ""
		if len(args) > 1 {
			op = args[1]
		}
		err = runJournal(os.Stdout, op)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("capbridge %s: %v", cmd, err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	server.SetupLogging(cfg.LogLevel)
	return cfg, nil
}

// parseCallArgs turns command line arguments into call arguments.
func parseCallArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, a := range raw {
		if json.Valid([]byte(a)) {
			out = append(out, json.RawMessage(a))
			continue
		}
		out = append(out, a)
	}
	return out
}

func runCall(w io.Writer, op string, rawArgs []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	session, err := server.Dial(cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+time.Second)
	defer cancel()
	result, err := session.Client.Call(ctx, op, parseCallArgs(rawArgs)...)
	if err != nil {
		return err
	}
	return printJSON(w, result)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func runCaps(w io.Writer, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.ClientRole = args[0]
	}
	if len(args) > 1 {
		cfg.Platform = args[1]
	}
	role, err := cfg.Role()
	if err != nil {
		return err
	}
	decls, err := capability.LoadCatalog(cfg.CatalogPaths()...)
	if err != nil {
		return err
	}
	descs := capability.List(decls, role, cfg.PlatformOrCurrent(), cfg.Flags(), cfg.EnableRemote, cfg.HostVersion)
	return writeCaps(w, role, cfg.PlatformOrCurrent(), descs)
}

func writeCaps(w io.Writer, role capability.Role, platform capability.Platform, descs []capability.Descriptor) error {
	fmt.Fprintf(w, "role=%s platform=%s\n", role, platform)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CAPABILITY\tENABLED\tREMOTE")
	for _, d := range descs {
		remote := ""
		if d.Remote {
			remote = "yes"
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\n", d.Name, d.Enabled, remote)
	}
	return tw.Flush()
}

func runMigrate(w io.Writer, sub string) error {
	if sub != "up" && sub != "status" {
		return fmt.Errorf("unknown subcommand %q (use up, status)", sub)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	if sub == "up" {
		if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
			return err
		}
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if sub == "up" {
		return db.RunMigrations(ctx, pool, migrations)
	}

	applied, pending, err := db.MigrationStatus(ctx, pool, migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "applied: %s\npending: %s\n", strings.Join(applied, ", "), strings.Join(pending, ", "))
	return nil
}

func runEnsureDB() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	return db.EnsureDatabase(context.Background(), cfg.DatabaseURL)
}

func runClear() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return db.ClearJournal(ctx, pool)
}

func runJournal(w io.Writer, operation string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	rows, err := db.NewRepository(pool).ListInvocations(ctx, db.ListInvocationsParams{Operation: operation, Limit: 20})
	if err != nil {
		return err
	}
	return writeJournal(w, rows)
}

func writeJournal(w io.Writer, rows []db.Invocation) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tOPERATION\tCLIENT\tROLE\tOK\tMS\tERROR")
	for _, r := range rows {
		errMsg := ""
		if r.ErrorMessage != nil {
			errMsg = *r.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%.1f\t%s\n",
			r.Created.Format(time.RFC3339), r.Operation, r.ClientName, r.Role, r.Ok, r.DurationMs, errMsg)
	}
	return tw.Flush()
}

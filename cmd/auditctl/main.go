// Command auditctl is the operator CLI: integrity verification,
// retention passes, dead-letter queue management, and data-subject
// rights operations.
//
// Exit codes: 0 success, 1 unexpected failure, 2 bad input,
// 3 integrity failure, 4 partial success.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/gdpr"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/config"
	"github.com/davidleathers/compliant-audit-pipeline/internal/integrity"
	"github.com/davidleathers/compliant-audit-pipeline/internal/logging"
)

const (
	exitOK        = 0
	exitError     = 1
	exitBadInput  = 2
	exitIntegrity = 3
	exitPartial   = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitBadInput
	}

	var configPath string
	if v := os.Getenv("AUDITCTL_CONFIG"); v != "" {
		configPath = v
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitError
	}
	logger := logging.NewLogger(logging.VariantConsoleOnly, zapcore.WarnLevel)
	defer logger.Sync()

	ctx := context.Background()

	switch args[0] {
	case "verify":
		return cmdVerify(ctx, cfg, logger, args[1:])
	case "retention-apply":
		return cmdRetention(ctx, cfg, logger, args[1:])
	case "dlq":
		return cmdDLQ(ctx, cfg, logger, args[1:])
	case "gdpr":
		return cmdGDPR(ctx, cfg, logger, args[1:])
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitBadInput
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: auditctl <command> [flags]

commands:
  verify          --from TIME --to TIME [--org ID] [--signatures]
  retention-apply [--dry-run]
  dlq             list [--org ID] [--limit N]
                  requeue --job ID
                  purge --older-than DURATION
  gdpr            export --subject ID [--format json|csv|xml] [--out FILE]
                  erase --subject ID
                  pseudonymize --subject ID
                  restrict --subject ID [--lift]

configuration comes from the same environment as the pipeline daemon;
set AUDITCTL_CONFIG to point at a YAML file.
`)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q, use RFC3339 or YYYY-MM-DD", s)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func cmdVerify(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	from := fs.String("from", "", "range start (RFC3339 or YYYY-MM-DD)")
	to := fs.String("to", "", "range end")
	org := fs.String("org", "", "restrict to one organization")
	signatures := fs.Bool("signatures", false, "also verify signatures")
	if err := fs.Parse(args); err != nil {
		return exitBadInput
	}
	if *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "verify requires --from and --to")
		return exitBadInput
	}
	fromTime, err := parseTime(*from)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadInput
	}
	toTime, err := parseTime(*to)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadInput
	}

	rt, err := newToolRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return exitError
	}
	defer rt.Close()

	filter := audit.EventFilter{From: fromTime, To: toTime, IncludeRestricted: true}
	if *org != "" {
		filter.OrganizationIDs = []string{*org}
	}
	verifier := integrity.NewVerifier(rt.events, rt.integrityLog, rt.sealer, nil, logger)
	report, err := verifier.Verify(ctx, integrity.Options{
		Filter:           filter,
		VerifySignatures: *signatures,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "verification failed: %v\n", err)
		return exitError
	}

	printJSON(report)
	if !report.Clean() {
		return exitIntegrity
	}
	return exitOK
}

func cmdRetention(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("retention-apply", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report what would be deleted without touching the trail")
	if err := fs.Parse(args); err != nil {
		return exitBadInput
	}

	rt, err := newToolRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return exitError
	}
	defer rt.Close()

	now := time.Now().UTC()
	registry := audit.NewRetentionRegistry()

	if *dryRun {
		type policyPreview struct {
			Policy       string `json:"policy"`
			PastDeletion int64  `json:"pastDeletion"`
		}
		var preview []policyPreview
		for _, policy := range registry.All() {
			if policy.DeleteAfterDays <= 0 {
				continue
			}
			cutoff := now.AddDate(0, 0, -policy.DeleteAfterDays)
			count, err := rt.events.CountOlderThan(ctx, policy.ID, cutoff)
			if err != nil {
				fmt.Fprintf(os.Stderr, "counting %s: %v\n", policy.ID, err)
				return exitError
			}
			preview = append(preview, policyPreview{Policy: policy.ID, PastDeletion: count})
		}
		printJSON(preview)
		return exitOK
	}

	job := gdpr.NewRetentionJob(registry, rt.events, rt.archiver(), rt.pseudonymizer, rt.auditor(), logger)
	result, err := job.Run(ctx, now)
	if err != nil {
		if result != nil && (result.Deleted > 0 || result.Archived > 0 || result.Pseudonymized > 0) {
			printJSON(result)
			return exitPartial
		}
		fmt.Fprintf(os.Stderr, "retention pass failed: %v\n", err)
		return exitError
	}
	printJSON(result)
	return exitOK
}

func cmdDLQ(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "dlq requires a subcommand: list, requeue, purge")
		return exitBadInput
	}

	rt, err := newToolRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return exitError
	}
	defer rt.Close()

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("dlq list", flag.ContinueOnError)
		org := fs.String("org", "", "restrict to one organization")
		limit := fs.Int("limit", 50, "maximum records")
		if err := fs.Parse(args[1:]); err != nil {
			return exitBadInput
		}
		records, err := rt.dlq.List(ctx, *org, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "listing DLQ: %v\n", err)
			return exitError
		}
		printJSON(records)
		return exitOK

	case "requeue":
		fs := flag.NewFlagSet("dlq requeue", flag.ContinueOnError)
		jobID := fs.String("job", "", "parked job id")
		if err := fs.Parse(args[1:]); err != nil {
			return exitBadInput
		}
		if *jobID == "" {
			fmt.Fprintln(os.Stderr, "requeue requires --job")
			return exitBadInput
		}
		return rt.requeue(ctx, *jobID)

	case "purge":
		fs := flag.NewFlagSet("dlq purge", flag.ContinueOnError)
		olderThan := fs.Duration("older-than", 30*24*time.Hour, "purge records parked longer than this")
		if err := fs.Parse(args[1:]); err != nil {
			return exitBadInput
		}
		purged, err := rt.dlq.Purge(ctx, time.Now().UTC().Add(-*olderThan))
		if err != nil {
			fmt.Fprintf(os.Stderr, "purging DLQ: %v\n", err)
			return exitError
		}
		fmt.Printf("purged %d dead-letter records\n", purged)
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "unknown dlq subcommand %q\n", args[0])
		return exitBadInput
	}
}

func cmdGDPR(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "gdpr requires a subcommand: export, erase, pseudonymize, restrict")
		return exitBadInput
	}

	fs := flag.NewFlagSet("gdpr "+args[0], flag.ContinueOnError)
	subject := fs.String("subject", "", "data subject identifier")
	format := fs.String("format", "json", "export format: json, csv, xml")
	out := fs.String("out", "", "write export to this file instead of stdout")
	lift := fs.Bool("lift", false, "lift an existing processing restriction")
	if err := fs.Parse(args[1:]); err != nil {
		return exitBadInput
	}
	if *subject == "" {
		fmt.Fprintln(os.Stderr, "gdpr commands require --subject")
		return exitBadInput
	}

	rt, err := newToolRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return exitError
	}
	defer rt.Close()

	switch args[0] {
	case "export":
		export, err := rt.engine.Access(ctx, *subject, gdpr.ExportFormat(*format))
		if err != nil {
			fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
			return exitError
		}
		if *out != "" {
			if err := os.WriteFile(*out, export.Data, 0o600); err != nil {
				fmt.Fprintf(os.Stderr, "writing %s: %v\n", *out, err)
				return exitError
			}
			fmt.Printf("wrote %d records to %s\n", export.Records, *out)
		} else {
			os.Stdout.Write(export.Data)
		}
		return exitOK

	case "erase":
		result, err := rt.engine.Erase(ctx, *subject)
		if err != nil {
			if result != nil && (result.Deleted > 0 || result.Pseudonymized > 0) {
				printJSON(result)
				return exitPartial
			}
			fmt.Fprintf(os.Stderr, "erasure failed: %v\n", err)
			return exitError
		}
		printJSON(result)
		return exitOK

	case "pseudonymize":
		result, err := rt.engine.Pseudonymize(ctx, *subject)
		if err != nil {
			if result != nil && result.Pseudonymized > 0 {
				printJSON(result)
				return exitPartial
			}
			fmt.Fprintf(os.Stderr, "pseudonymization failed: %v\n", err)
			return exitError
		}
		printJSON(result)
		return exitOK

	case "restrict":
		affected, err := rt.engine.Restrict(ctx, *subject, !*lift)
		if err != nil {
			fmt.Fprintf(os.Stderr, "restriction failed: %v\n", err)
			return exitError
		}
		fmt.Printf("updated %d events\n", affected)
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "unknown gdpr subcommand %q\n", args[0])
		return exitBadInput
	}
}

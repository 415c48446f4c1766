package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/app"
	"github.com/ekaya-inc/payroll-engine/pkg/config"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
	"github.com/ekaya-inc/payroll-engine/pkg/services/workqueue"
)

// engine connects to the engine's stores. Stages run one at a time so their
// output reads in order.
func engine(ctx context.Context, flags *rootFlags) (*app.App, error) {
	cfg, err := config.LoadFile(flags.configPath, Version)
	if err != nil {
		return nil, err
	}
	logger := zap.NewNop()
	if flags.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}
	a, err := app.New(ctx, cfg, logger, app.Options{Strategy: workqueue.NewSerializedStrategy()})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// closureArgs parses CLIENT_ID CLOSURE_ID.
func closureArgs(args []string) (clientID, closureID uuid.UUID, err error) {
	if clientID, err = uuid.Parse(args[0]); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid client ID %q: %w", args[0], err)
	}
	if closureID, err = uuid.Parse(args[1]); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid closure ID %q: %w", args[1], err)
	}
	return clientID, closureID, nil
}

// withClient runs fn on a connection scoped to clientID with CLI provenance.
func withClient(ctx context.Context, a *app.App, clientID uuid.UUID, fn func(ctx context.Context) error) error {
	scoped, cleanup, err := a.Scopes.WithClientScope(ctx, clientID)
	if err != nil {
		return fmt.Errorf("acquire client connection: %w", err)
	}
	defer cleanup()
	return fn(models.WithCLIProvenance(scoped, uuid.Nil))
}

// runQueued waits for the dispatcher to drain, prints what ran and fails if
// any task failed.
func runQueued(ctx context.Context, a *app.App, r *renderer) error {
	// Task failures are reported from the snapshots below.
	if err := a.Dispatcher.Wait(ctx); err != nil && ctx.Err() != nil {
		return err
	}
	tasks := a.Dispatcher.Tasks()
	if r.json() {
		if err := r.writeJSON(tasks); err != nil {
			return err
		}
	} else {
		rows := make([]table.Row, 0, len(tasks))
		for _, t := range tasks {
			elapsed := ""
			if t.StartedAt != nil && t.CompletedAt != nil {
				elapsed = t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond).String()
			}
			rows = append(rows, table.Row{t.Name, t.Status, t.RetryCount, elapsed, t.Error})
		}
		r.table(table.Row{"Task", "Status", "Retries", "Elapsed", "Error"}, rows)
	}

	failed := 0
	for _, t := range tasks {
		if t.Status == workqueue.TaskStatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%s failed", count(failed, "task"))
	}
	return nil
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := engine(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Migrate(); err != nil {
				return err
			}
			newRenderer(cmd.OutOrStdout(), flags.output).line("Database is up to date")
			return nil
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status CLIENT_ID CLOSURE_ID",
		Short: "Show a closure's state, gates and open work",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, closureID, err := closureArgs(args)
			if err != nil {
				return err
			}
			a, err := engine(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			var summary *models.ClosureSummary
			var files []*models.SourceFile
			err = withClient(cmd.Context(), a, clientID, func(ctx context.Context) error {
				if summary, err = a.Closures.GetSummary(ctx, closureID); err != nil {
					return err
				}
				files, err = a.Files.ListCurrent(ctx, closureID)
				return err
			})
			if err != nil {
				return err
			}

			r := newRenderer(cmd.OutOrStdout(), flags.output)
			if r.json() {
				return r.writeJSON(struct {
					*models.ClosureSummary
					Files []*models.SourceFile `json:"files"`
				}{summary, files})
			}
			c := summary.Closure
			r.table(table.Row{"Period", "State", "Discrepancies", "Incidencias", "Can consolidate", "Can finalize"},
				[]table.Row{{
					c.Period, c.State,
					fmt.Sprintf("%d/%d resolved", c.ResolvedDiscrepancies, c.TotalDiscrepancies),
					fmt.Sprintf("%d/%d resolved", c.ResolvedIncidencias, c.TotalIncidencias),
					summary.CanConsolidate, summary.CanFinalize,
				}})
			rows := make([]table.Row, 0, len(files))
			for _, f := range files {
				rows = append(rows, table.Row{f.Kind, f.Version, f.OriginalName, f.Status, f.RowsProcessed, len(f.Warnings)})
			}
			r.table(table.Row{"Kind", "Version", "File", "Status", "Rows", "Warnings"}, rows)
			if c.ErrorMessage != "" {
				r.line("Error: %s", c.ErrorMessage)
			}
			return nil
		},
	}
}

func newProcessCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "process CLIENT_ID CLOSURE_ID",
		Short: "Ingest the closure's pending files and wait for them",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, closureID, err := closureArgs(args)
			if err != nil {
				return err
			}
			a, err := engine(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			r := newRenderer(cmd.OutOrStdout(), flags.output)
			var queued int
			err = withClient(cmd.Context(), a, clientID, func(ctx context.Context) error {
				queued, err = a.Dispatcher.ResumePending(ctx, clientID, closureID, uuid.Nil)
				return err
			})
			if err != nil {
				return err
			}
			if queued == 0 {
				r.line("No pending files")
				return nil
			}
			return runQueued(cmd.Context(), a, r)
		},
	}
}

func newReconcileCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile CLIENT_ID CLOSURE_ID",
		Short: "Reconcile a closure and wait for the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, closureID, err := closureArgs(args)
			if err != nil {
				return err
			}
			a, err := engine(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			err = withClient(cmd.Context(), a, clientID, func(ctx context.Context) error {
				_, err := a.Reconciliation.Validate(ctx, closureID)
				return err
			})
			if err != nil {
				return err
			}
			a.Dispatcher.EnqueueReconcile(clientID, closureID, uuid.Nil)
			return runQueued(cmd.Context(), a, newRenderer(cmd.OutOrStdout(), flags.output))
		},
	}
}

func newDetectCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "detect-anomalies CLIENT_ID CLOSURE_ID",
		Short: "Compare a consolidated closure with the previous period",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, closureID, err := closureArgs(args)
			if err != nil {
				return err
			}
			a, err := engine(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			err = withClient(cmd.Context(), a, clientID, func(ctx context.Context) error {
				_, _, err := a.Anomalies.Validate(ctx, closureID)
				return err
			})
			if err != nil {
				return err
			}
			a.Dispatcher.EnqueueDetectAnomalies(clientID, closureID, uuid.Nil)
			return runQueued(cmd.Context(), a, newRenderer(cmd.OutOrStdout(), flags.output))
		},
	}
}

func newSweepCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Move files and closures stuck in processing to error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := engine(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Sweeper.SweepStale(cmd.Context())
			if err != nil {
				return err
			}
			r := newRenderer(cmd.OutOrStdout(), flags.output)
			if r.json() {
				return r.writeJSON(res)
			}
			r.line("Marked %s and %s as error", count(res.Files, "file"), count(res.Closures, "closure"))
			return nil
		},
	}
}

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history CLIENT_ID [CLOSURE_ID]",
		Short: "Show who changed a client's closures, newest first",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			filter := models.AuditFilter{Limit: limit}
			var err error
			if filter.ClientID, err = uuid.Parse(args[0]); err != nil {
				return fmt.Errorf("invalid client ID %q: %w", args[0], err)
			}
			if len(args) == 2 {
				_, closureID, err := closureArgs(args)
				if err != nil {
					return err
				}
				filter.EntityType, filter.EntityID = models.AuditEntityClosure, closureID
			}

			a, err := engine(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			var entries []*models.AuditLogEntry
			err = withClient(cmd.Context(), a, filter.ClientID, func(ctx context.Context) error {
				entries, err = a.Audit.History(ctx, filter)
				return err
			})
			if err != nil {
				return err
			}

			r := newRenderer(cmd.OutOrStdout(), flags.output)
			if r.json() {
				return r.writeJSON(entries)
			}
			rows := make([]table.Row, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, table.Row{
					e.CreatedAt.Local().Format(time.DateTime), e.EntityType, e.EntityID,
					e.Action, e.Source, describeChanges(e.ChangedFields),
				})
			}
			r.table(table.Row{"When", "Entity", "ID", "Action", "Source", "Changes"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", models.DefaultPageSize, "maximum entries to show")
	return cmd
}

// describeChanges renders "field: old -> new" pairs in field order.
func describeChanges(changes map[string]models.FieldChange) string {
	fields := make([]string, 0, len(changes))
	for f := range changes {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %v -> %v", f, changes[f].Old, changes[f].New))
	}
	return strings.Join(parts, ", ")
}

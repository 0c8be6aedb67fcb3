package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ejunz/internal/auth"
	"ejunz/internal/config"
	"ejunz/internal/database"
	"ejunz/internal/logging"
	"ejunz/internal/maintenance"
	"ejunz/internal/store"
)

func newMaintenanceScheduler(cfg *config.Config, db *sql.DB, tokens maintenance.TokenCleaner, records maintenance.RecordPurger, logger *zap.Logger) (*maintenance.Scheduler, error) {
	s, err := maintenance.NewScheduler(cfg.Maintenance.Schedule, logger)
	if err != nil {
		return nil, err
	}
	tasks := []maintenance.Task{
		maintenance.NewTokenCleanupTask(tokens),
		maintenance.NewRecordRetentionTask(records, cfg.Maintenance.RecordRetention()),
		maintenance.NewDatabaseOptimizeTask(db),
	}
	for _, task := range tasks {
		if err := s.RegisterTask(task); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (c *cli) maintenanceCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Database maintenance operations",
		Long:  `Run the scheduled cleanup tasks by hand: expired tokens, old records and their audio, and SQLite optimization.`,
	}
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results in JSON format")

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run all maintenance tasks immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withScheduler(func(s *maintenance.Scheduler) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
				defer cancel()
				return printResults(cmd.OutOrStdout(), s.RunNow(ctx), jsonOutput)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run-task [task-name]",
		Short: "Run a specific maintenance task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withScheduler(func(s *maintenance.Scheduler) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
				defer cancel()
				result, err := s.RunTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printResults(cmd.OutOrStdout(), map[string]maintenance.TaskResult{args[0]: result}, jsonOutput)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "tasks",
		Short: "List maintenance tasks and their schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withScheduler(func(s *maintenance.Scheduler) error {
				status := s.Status()
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), status)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TASK\tSCHEDULE\tDESCRIPTION")
				for _, st := range status {
					fmt.Fprintf(w, "%s\t%s\t%s\n", st.Name, st.Schedule, st.Description)
				}
				return w.Flush()
			})
		},
	})

	return cmd
}

func (c *cli) withScheduler(fn func(*maintenance.Scheduler) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger := zap.NewNop()
	if c.v.GetBool("verbose") {
		if logger, err = logging.New(cfg.Logging); err != nil {
			return err
		}
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	s, err := newMaintenanceScheduler(cfg, db, auth.NewTokenStorage(db), store.New(db), logger)
	if err != nil {
		return err
	}
	return fn(s)
}

func printResults(out io.Writer, results map[string]maintenance.TaskResult, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(out, results)
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tRESULT\tRECORDS\tDURATION\tMESSAGE")
	failed := 0
	for _, name := range names {
		r := results[name]
		outcome, msg := "ok", r.Message
		if !r.Success {
			outcome = "failed"
			msg = r.Error
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", name, outcome, r.RecordsProcessed, r.Duration.Round(time.Millisecond), msg)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d maintenance task(s) failed", failed)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

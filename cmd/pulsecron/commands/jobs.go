package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsecron/internal/util"
	"github.com/teranos/pulsecron/logger"
	"github.com/teranos/pulsecron/pulse/cron"
	"github.com/teranos/pulsecron/pulse/schedule"
	"github.com/teranos/pulsecron/sym"
)

// JobsCmd groups job management subcommands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Manage scheduled jobs",
	Long: sym.Pulse + ` Inspect and manage scheduled jobs directly in storage.

Examples:
  pulsecron jobs ls
  pulsecron jobs show cleanup
  pulsecron jobs disable cleanup
  pulsecron jobs trigger cleanup
  pulsecron jobs once welcome-email --at 2026-01-01T09:00:00Z --handler log
  pulsecron jobs executions cleanup --limit 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List all jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *schedule.Manager) error {
			jobs, err := m.ListJobs(ctx)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				pterm.Info.Println("No jobs")
				return nil
			}
			return renderJobs(jobs)
		})
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *schedule.Manager) error {
			job, err := m.GetByName(ctx, args[0])
			if err != nil {
				return err
			}
			return renderJob(job)
		})
	},
}

var jobsEnableCmd = jobAction("enable", "Enable a job and schedule its next run", (*schedule.Manager).Enable)
var jobsDisableCmd = jobAction("disable", "Disable a job", (*schedule.Manager).Disable)
var jobsTriggerCmd = jobAction("trigger", "Make a job due now", (*schedule.Manager).Trigger)

var jobsRmCmd = &cobra.Command{
	Use:     "rm <name>",
	Aliases: []string{"delete"},
	Short:   "Delete a job and its execution history",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *schedule.Manager) error {
			if err := m.Delete(ctx, args[0]); err != nil {
				return err
			}
			pterm.Success.Printfln("Deleted %s", args[0])
			return nil
		})
	},
}

var jobsOnceCmd = &cobra.Command{
	Use:   "once <name>",
	Short: "Schedule a one-time job",
	Long: `Schedule a one-time job. --at takes an RFC3339 time; --in takes a
duration from now (e.g. 90s, 2h). Exactly one of them is required.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetString("at")
		in, _ := cmd.Flags().GetDuration("in")
		handler, _ := cmd.Flags().GetString("handler")
		payload, _ := cmd.Flags().GetString("payload")

		var runAt time.Time
		switch {
		case at != "" && in != 0:
			return fmt.Errorf("use either --at or --in, not both")
		case at != "":
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at (RFC3339): %w", err)
			}
			runAt = t
		case in > 0:
			runAt = time.Now().Add(in)
		default:
			return fmt.Errorf("--at or --in is required")
		}
		if payload != "" && !json.Valid([]byte(payload)) {
			return fmt.Errorf("--payload must be valid JSON")
		}

		return withManager(func(ctx context.Context, m *schedule.Manager) error {
			job, err := m.ScheduleOnce(ctx, args[0], runAt, handler, payload)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Scheduled %s at %s", job.Name, job.NextRunTime.Format(time.RFC3339))
			return nil
		})
	},
}

var jobsExecutionsCmd = &cobra.Command{
	Use:   "executions <name>",
	Short: "Show the execution history of a job, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withManager(func(ctx context.Context, m *schedule.Manager) error {
			execs, err := m.ListExecutions(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(execs) == 0 {
				pterm.Info.Printfln("No executions for %s", args[0])
				return nil
			}
			return renderExecutions(execs)
		})
	},
}

func init() {
	jobsOnceCmd.Flags().String("at", "", "Run time (RFC3339)")
	jobsOnceCmd.Flags().Duration("in", 0, "Run after this duration")
	jobsOnceCmd.Flags().String("handler", "log", "Handler type reference")
	jobsOnceCmd.Flags().String("payload", "", "JSON payload passed to the handler")
	jobsExecutionsCmd.Flags().IntP("limit", "n", 20, "Maximum number of executions")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsEnableCmd)
	JobsCmd.AddCommand(jobsDisableCmd)
	JobsCmd.AddCommand(jobsTriggerCmd)
	JobsCmd.AddCommand(jobsRmCmd)
	JobsCmd.AddCommand(jobsOnceCmd)
	JobsCmd.AddCommand(jobsExecutionsCmd)
}

func jobAction(verb, short string, op func(*schedule.Manager, context.Context, string) (*schedule.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *schedule.Manager) error {
				job, err := op(m, ctx, args[0])
				if err != nil {
					return err
				}
				pterm.Success.Printfln("%s: %s (next run %s)", job.Name, job.Status, formatTime(job.NextRunTime))
				return nil
			})
		},
	}
}

// withManager opens storage for the duration of fn.
func withManager(fn func(ctx context.Context, m *schedule.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, closeStore, err := openStorage(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer closeStore()

	return fn(ctx, schedule.NewManager(store, cron.NewDefaultCache(), logger.Logger))
}

func renderJobs(jobs []*schedule.Job) error {
	data := pterm.TableData{{"NAME", "TYPE", "SCHEDULE", "STATUS", "NEXT RUN", "LAST RUN", "RETRIES", "LOCK"}}
	for _, job := range jobs {
		expr := job.CronExpression
		if job.TimeZone != "" {
			expr += " (" + job.TimeZone + ")"
		}
		lock := orDash(util.Deref(job.LockHolder))
		data = append(data, []string{
			job.Name,
			string(job.Type),
			orDash(expr),
			statusLabel(job),
			formatTime(job.NextRunTime),
			formatTime(job.LastRunTime),
			strconv.Itoa(job.RetryCount),
			lock,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func renderJob(job *schedule.Job) error {
	intervals := make([]string, len(job.RetryIntervals))
	for i, d := range job.RetryIntervals {
		intervals[i] = d.String()
	}
	lastDuration := "-"
	if job.LastRunDurationMs != nil {
		lastDuration = (time.Duration(*job.LastRunDurationMs) * time.Millisecond).String()
	}
	timeout := "-"
	if job.Timeout > 0 {
		timeout = job.Timeout.String()
	}

	pterm.DefaultSection.Println(job.Name)
	return pterm.DefaultTable.WithData(pterm.TableData{
		{"ID", job.ID},
		{"Type", string(job.Type)},
		{"Cron", orDash(job.CronExpression)},
		{"Time zone", orDash(job.TimeZone)},
		{"Status", statusLabel(job)},
		{"Next run", formatTime(job.NextRunTime)},
		{"Last run", formatTime(job.LastRunTime)},
		{"Last duration", lastDuration},
		{"Retry count", strconv.Itoa(job.RetryCount)},
		{"Retry intervals", orDash(strings.Join(intervals, ", "))},
		{"Skip if running", strconv.FormatBool(job.SkipIfRunning)},
		{"Timeout", timeout},
		{"Misfire", string(job.Misfire)},
		{"Handler", orDash(job.HandlerRef)},
		{"Payload", orDash(job.Payload)},
	}).Render()
}

func renderExecutions(execs []*schedule.Execution) error {
	data := pterm.TableData{{"ID", "SCHEDULED", "STARTED", "STATUS", "ATTEMPT", "DURATION", "ERROR"}}
	for _, e := range execs {
		duration := "-"
		if e.DurationMs != nil {
			duration = (time.Duration(*e.DurationMs) * time.Millisecond).String()
		}
		errMsg := "-"
		if e.Error != nil {
			errMsg = *e.Error
		}
		data = append(data, []string{
			shortID(e.ID),
			e.ScheduledTime.Local().Format(time.DateTime),
			e.StartedAt.Local().Format(time.DateTime),
			executionLabel(e.Status),
			strconv.Itoa(e.RetryAttempt),
			duration,
			errMsg,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func statusLabel(job *schedule.Job) string {
	switch job.Status {
	case schedule.StatusPending:
		if job.IsLocked() {
			return pterm.Yellow("claimed")
		}
		return pterm.Green(string(job.Status))
	case schedule.StatusFailed:
		return pterm.Red(string(job.Status))
	case schedule.StatusDisabled:
		return pterm.Gray(string(job.Status))
	default:
		return string(job.Status)
	}
}

func executionLabel(s schedule.ExecutionStatus) string {
	switch s {
	case schedule.ExecutionSucceeded:
		return pterm.Green(string(s))
	case schedule.ExecutionFailed, schedule.ExecutionTimedOut:
		return pterm.Red(string(s))
	default:
		return pterm.Yellow(string(s))
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

// shortID truncates an ID to 8 characters for tables
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"sched"},
	Short:   "Manage schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add [func-ref]",
	Short: "Add a schedule that repeatedly enqueues jobs for func-ref",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleAdd,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE:  runScheduleList,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show [schedule-id]",
	Short: "Show a schedule's details",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleShow,
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm [schedule-id]",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRm,
}

var (
	scheduleID               string
	scheduleTaskID           string
	scheduleMaxRunningJobs   int
	scheduleTriggerKind      string
	scheduleInterval         time.Duration
	scheduleRunAt            string
	scheduleCron             string
	scheduleCoalesce         string
	scheduleMisfireGraceTime time.Duration
	scheduleConflictPolicy   string
)

func init() {
	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleShowCmd, scheduleRmCmd)

	scheduleAddCmd.Flags().StringVar(&scheduleID, "id", "", "schedule id (random if empty)")
	scheduleAddCmd.Flags().StringVar(&scheduleTaskID, "task-id", "", "existing task id (registers an implicit task from func-ref if empty)")
	scheduleAddCmd.Flags().IntVar(&scheduleMaxRunningJobs, "max-running-jobs", 0, "concurrency limit for the implicit task (0 = unlimited)")
	scheduleAddCmd.Flags().StringVar(&scheduleTriggerKind, "trigger", "interval", "trigger kind: interval, date, or cron")
	scheduleAddCmd.Flags().DurationVar(&scheduleInterval, "interval", time.Minute, "fire interval (trigger=interval)")
	scheduleAddCmd.Flags().StringVar(&scheduleRunAt, "run-at", "", "RFC3339 fire time (trigger=date)")
	scheduleAddCmd.Flags().StringVar(&scheduleCron, "cron", "", "5-field cron expression (trigger=cron)")
	scheduleAddCmd.Flags().StringVar(&scheduleCoalesce, "coalesce", "latest", "coalesce policy for missed fire times: earliest, latest, all")
	scheduleAddCmd.Flags().DurationVar(&scheduleMisfireGraceTime, "misfire-grace-time", 0, "deadline past the fire time after which a job is marked missed (0 = none)")
	scheduleAddCmd.Flags().StringVar(&scheduleConflictPolicy, "on-conflict", "do_nothing", "behavior on duplicate id: do_nothing, exception, replace")
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"id":              scheduleID,
		"task_id":         scheduleTaskID,
		"func":            args[0],
		"trigger_kind":    scheduleTriggerKind,
		"coalesce":        scheduleCoalesce,
		"conflict_policy": scheduleConflictPolicy,
	}
	if scheduleMaxRunningJobs > 0 {
		body["max_running_jobs"] = scheduleMaxRunningJobs
	}
	if scheduleMisfireGraceTime > 0 {
		body["misfire_grace_time"] = scheduleMisfireGraceTime
	}

	switch scheduleTriggerKind {
	case "interval":
		body["interval"] = scheduleInterval
	case "date":
		if scheduleRunAt == "" {
			return fmt.Errorf("--run-at is required for trigger=date")
		}
		runAt, err := time.Parse(time.RFC3339, scheduleRunAt)
		if err != nil {
			return fmt.Errorf("invalid --run-at: %w", err)
		}
		body["run_at"] = runAt
	case "cron":
		if scheduleCron == "" {
			return fmt.Errorf("--cron is required for trigger=cron")
		}
		body["cron"] = scheduleCron
	default:
		return fmt.Errorf("unknown --trigger %q (want interval, date, or cron)", scheduleTriggerKind)
	}

	resp, err := apiPost("/schedules", body)
	if err != nil {
		return err
	}

	var result map[string]string
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	fmt.Printf("Added schedule: %s\n", result["schedule_id"])
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/schedules")
	if err != nil {
		return err
	}

	var schedules []map[string]any
	if err := json.Unmarshal(resp, &schedules); err != nil {
		return err
	}
	if len(schedules) == 0 {
		fmt.Println("No schedules found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tCOALESCE\tNEXT FIRE")
	for _, s := range schedules {
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\n", truncate(fmt.Sprint(s["ID"]), 36), s["TaskID"], s["Coalesce"], s["NextFireTime"])
	}
	w.Flush()
	return nil
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/schedules/" + args[0])
	if err != nil {
		return err
	}

	var sched map[string]any
	if err := json.Unmarshal(resp, &sched); err != nil {
		return err
	}
	for _, key := range []string{"ID", "TaskID", "TriggerKind", "Coalesce", "NextFireTime", "LastFireTime", "AcquiredBy", "AcquiredUntil"} {
		fmt.Printf("%-16s %v\n", key+":", sched[key])
	}
	return nil
}

func runScheduleRm(cmd *cobra.Command, args []string) error {
	if err := apiDelete("/schedules/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed schedule %s\n", args[0])
	return nil
}

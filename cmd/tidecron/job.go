package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs",
}

var jobAddCmd = &cobra.Command{
	Use:   "add [func-ref]",
	Short: "Enqueue a one-off job for func-ref",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobAdd,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Show a job's details",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobResultCmd = &cobra.Command{
	Use:   "result [job-id]",
	Short: "Fetch a job's result, consuming it",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobResult,
}

var (
	jobTaskID         string
	jobMaxRunningJobs int
	jobWait           bool
)

func init() {
	jobCmd.AddCommand(jobAddCmd, jobListCmd, jobShowCmd, jobResultCmd)

	jobAddCmd.Flags().StringVar(&jobTaskID, "task-id", "", "existing task id (registers an implicit task from func-ref if empty)")
	jobAddCmd.Flags().IntVar(&jobMaxRunningJobs, "max-running-jobs", 0, "concurrency limit for the implicit task (0 = unlimited)")

	jobResultCmd.Flags().BoolVar(&jobWait, "wait", false, "block until the result is available")
}

func runJobAdd(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"task_id": jobTaskID,
		"func":    args[0],
	}
	if jobMaxRunningJobs > 0 {
		body["max_running_jobs"] = jobMaxRunningJobs
	}

	resp, err := apiPost("/jobs", body)
	if err != nil {
		return err
	}

	var result map[string]string
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	fmt.Printf("Enqueued job: %s\n", result["job_id"])
	return nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/jobs")
	if err != nil {
		return err
	}

	var jobs []map[string]any
	if err := json.Unmarshal(resp, &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tACQUIRED BY\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\n", truncate(fmt.Sprint(j["ID"]), 36), j["TaskID"], j["AcquiredBy"], j["CreatedAt"])
	}
	w.Flush()
	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/jobs/" + args[0])
	if err != nil {
		return err
	}

	var job map[string]any
	if err := json.Unmarshal(resp, &job); err != nil {
		return err
	}
	for _, key := range []string{"ID", "TaskID", "ScheduleID", "CreatedAt", "StartedAt", "AcquiredBy", "AcquiredUntil", "StartDeadline"} {
		fmt.Printf("%-16s %v\n", key+":", job[key])
	}
	return nil
}

func runJobResult(cmd *cobra.Command, args []string) error {
	path := "/jobs/" + args[0] + "/result"
	if jobWait {
		path += "?wait=true"
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var result map[string]any
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	for _, key := range []string{"JobID", "Outcome", "FinishedAt", "ReturnValue", "Exception"} {
		fmt.Printf("%-14s %v\n", key+":", result[key])
	}
	return nil
}

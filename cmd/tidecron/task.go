package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add [func-ref]",
	Short: "Register a task (a callable reference and its concurrency limit)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show a task's details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskRmCmd = &cobra.Command{
	Use:   "rm [task-id]",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRm,
}

var (
	taskID             string
	taskMaxRunningJobs int
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskRmCmd)

	taskAddCmd.Flags().StringVar(&taskID, "id", "", "task id (defaults to the func reference)")
	taskAddCmd.Flags().IntVar(&taskMaxRunningJobs, "max-running-jobs", 0, "concurrency limit on running jobs (0 = unlimited)")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"id":   taskID,
		"func": args[0],
	}
	if taskMaxRunningJobs > 0 {
		body["max_running_jobs"] = taskMaxRunningJobs
	}

	resp, err := apiPost("/tasks", body)
	if err != nil {
		return err
	}

	var result map[string]string
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	fmt.Printf("Registered task: %s\n", result["task_id"])
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks")
	if err != nil {
		return err
	}

	var tasks []map[string]any
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFUNC\tMAX RUNNING\tRUNNING")
	for _, t := range tasks {
		maxRunning := "unlimited"
		if v, ok := t["MaxRunningJobs"].(float64); ok {
			maxRunning = fmt.Sprintf("%.0f", v)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\n", truncate(fmt.Sprint(t["ID"]), 36), t["Func"], maxRunning, t["RunningJobs"])
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}

	var task map[string]any
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	fmt.Printf("ID:               %v\n", task["ID"])
	fmt.Printf("Func:             %v\n", task["Func"])
	fmt.Printf("MaxRunningJobs:   %v\n", task["MaxRunningJobs"])
	fmt.Printf("RunningJobs:      %v\n", task["RunningJobs"])
	return nil
}

func runTaskRm(cmd *cobra.Command, args []string) error {
	if err := apiDelete("/tasks/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed task %s\n", args[0])
	return nil
}

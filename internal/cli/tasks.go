package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/openrabbit/openrabbit/internal/tasks"
)

var (
	tasksStatusFlag string
	tasksLimitFlag  int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect review tasks on the daemon",
}

func init() {
	tasksListCmd.Flags().StringVar(&tasksStatusFlag, "status", "", "Filter by status (pending, running, completed, failed)")
	tasksListCmd.Flags().IntVar(&tasksLimitFlag, "limit", 0, "Maximum number of tasks to show")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksStatusCmd)
	tasksCmd.AddCommand(tasksDeleteCmd)
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/bot/tasks"
		sep := "?"
		if tasksStatusFlag != "" {
			path += sep + "status=" + tasksStatusFlag
			sep = "&"
		}
		if tasksLimitFlag > 0 {
			path += fmt.Sprintf("%slimit=%d", sep, tasksLimitFlag)
		}

		var list struct {
			Total int           `json:"total"`
			Tasks []*tasks.Task `json:"tasks"`
		}
		if err := callDaemon(cmd, http.MethodGet, path, nil, &list); err != nil {
			return err
		}
		if list.Total == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no tasks")
			return nil
		}

		for _, task := range list.Tasks {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %-10s %s/%s#%d  %s\n",
				task.ID, task.Type, task.Status, task.Owner, task.Repo, task.PRNumber,
				task.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show one task as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var task tasks.Task
		if err := callDaemon(cmd, http.MethodGet, "/bot/task-status/"+args[0], nil, &task); err != nil {
			return err
		}
		data, err := json.MarshalIndent(&task, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var tasksDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := callDaemon(cmd, http.MethodDelete, "/bot/task/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "task %s deleted\n", args[0])
		return nil
	},
}

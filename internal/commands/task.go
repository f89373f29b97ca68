package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/output"
	"github.com/dotcommander/ciris/internal/pipeline"
	"github.com/dotcommander/ciris/internal/store"
)

// NewTaskCmd groups task verbs.
func NewTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and submit agent tasks",
	}
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskSubmitCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var tasks []*models.Task
			if err := withDB(func(db *DB) error {
				var err error
				tasks, err = store.ListTasksByStatus(db, models.TaskStatus(status), limit)
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(tasks)
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.TaskStatusActive), "Task status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum tasks to return")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one task with its thought counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return cmdErr(fmt.Errorf("--id is required"))
			}
			type resp struct {
				Task     *models.Task                 `json:"task"`
				Thoughts map[models.ThoughtStatus]int `json:"thoughts"`
			}
			var r resp
			if err := withDB(func(db *DB) error {
				var err error
				r.Task, err = store.GetTask(db, taskID)
				if err != nil {
					return err
				}
				r.Thoughts, err = store.CountThoughtsByTask(db, taskID)
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(r)
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID (required)")
	return cmd
}

func newTaskSubmitCmd() *cobra.Command {
	var (
		content string
		channel string
		author  string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a message as a new task with a seed thought",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if content == "" {
				return cmdErr(fmt.Errorf("--content is required"))
			}
			var task *models.Task
			if err := withDB(func(db *DB) error {
				manager := pipeline.NewTaskManager(db)
				msg := &models.IncomingMessage{
					ChannelID: channel,
					AuthorID:  author,
					Content:   content,
				}
				var err error
				task, _, err = manager.CreateTaskFromMessage(msg)
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(task)
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "Message content (required)")
	cmd.Flags().StringVar(&channel, "channel", "cli_local", "Channel ID")
	cmd.Flags().StringVar(&author, "author", "operator", "Author ID")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aristath/spider/internal/ids"
	"github.com/aristath/spider/internal/persistence"
	"github.com/aristath/spider/internal/tui"
)

const dataPrefix = "data:"

// parseInput turns a --input flag into a task input. "data:<id>" references
// shared data, "@path" reads a file, and anything else is the value itself.
func parseInput(s string) (persistence.TaskInput, error) {
	switch {
	case strings.HasPrefix(s, dataPrefix):
		id, err := ids.Parse[ids.Data](strings.TrimPrefix(s, dataPrefix))
		if err != nil {
			return persistence.TaskInput{}, err
		}
		return persistence.DataRef(id), nil
	case strings.HasPrefix(s, "@"):
		b, err := os.ReadFile(s[1:])
		if err != nil {
			return persistence.TaskInput{}, err
		}
		return persistence.InlineValue(b), nil
	}
	return persistence.InlineValue([]byte(s)), nil
}

func formatValue(v persistence.TaskIO) string {
	if v.Data != nil {
		return dataPrefix + v.Data.String()
	}
	return fmt.Sprintf("%q", v.Inline)
}

// resourceGroupFlag is the --resource-group flag shared by job commands.
type resourceGroupFlag struct {
	value string
}

func (f *resourceGroupFlag) register(cmd *cobra.Command, required bool) {
	cmd.Flags().StringVarP(&f.value, "resource-group", "g", "", "resource group owning the job")
	if required {
		_ = cmd.MarkFlagRequired("resource-group")
	}
}

func (f *resourceGroupFlag) parse() (ids.ResourceGroupID, error) {
	rg, err := ids.Parse[ids.ResourceGroup](f.value)
	if err != nil {
		return rg, fmt.Errorf("resource group: %w", err)
	}
	return rg, nil
}

func (f *resourceGroupFlag) signJob(jobID string) (ids.SignedJobID, error) {
	rg, err := f.parse()
	if err != nil {
		return ids.SignedJobID{}, err
	}
	id, err := ids.Parse[ids.Job](jobID)
	if err != nil {
		return ids.SignedJobID{}, fmt.Errorf("job: %w", err)
	}
	return ids.Sign(rg, id), nil
}

func newJobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and manage jobs in the job store",
	}
	cmd.AddCommand(
		newJobSubmitCmd(a),
		newJobListCmd(a),
		newJobStatusCmd(a),
		newJobCancelCmd(a),
		newJobDeleteCmd(a),
		newJobViewCmd(a),
	)
	return cmd
}

func newJobSubmitCmd(a *app) *cobra.Command {
	var rgFlag resourceGroupFlag
	var inputs []string
	cmd := &cobra.Command{
		Use:   "submit GRAPH",
		Short: "Submit a graph file as a new job",
		Long: `Submit a graph file as a new job. Each --input supplies one graph input,
in order: "data:<id>" references shared data, "@path" reads the value from a
file, and anything else is used as the value itself. Without --resource-group
a new resource group is created and printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := readGraph(args[0])
			if err != nil {
				return err
			}

			rg := ids.New[ids.ResourceGroup]()
			if rgFlag.value != "" {
				if rg, err = rgFlag.parse(); err != nil {
					return err
				}
			}

			values := make([]persistence.TaskInput, 0, len(inputs))
			for i, in := range inputs {
				v, err := parseInput(in)
				if err != nil {
					return fmt.Errorf("input %d: %w", i, err)
				}
				values = append(values, v)
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := store.SubmitJob(cmd.Context(), rg, g, values)
			if err != nil {
				return err
			}
			a.log.WithFields(logrus.Fields{"job-id": job.ID, "tasks": g.NumTasks()}).Info("job submitted")

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job:            %s\n", job.ID)
			fmt.Fprintf(out, "resource group: %s\n", rg)
			return nil
		},
	}
	rgFlag.register(cmd, false)
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "graph input value (repeatable, in order)")
	return cmd
}

func newJobListCmd(a *app) *cobra.Command {
	var rgFlag resourceGroupFlag
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the jobs of a resource group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rg, err := rgFlag.parse()
			if err != nil {
				return err
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.ListJobs(cmd.Context(), rg)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}

			t := newTable("JOB", "STATE", "TASKS", "RETRIES", "CREATED", "ERROR")
			for _, job := range jobs {
				t.Row(job.ID.String(), job.State.String(), fmt.Sprint(job.NumTasks),
					fmt.Sprint(job.Retries), humanize.Time(job.CreatedAt), job.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
	rgFlag.register(cmd, true)
	return cmd
}

func newJobStatusCmd(a *app) *cobra.Command {
	var rgFlag resourceGroupFlag
	cmd := &cobra.Command{
		Use:   "status JOB",
		Short: "Show a job's state, tasks and outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := rgFlag.signJob(args[0])
			if err != nil {
				return err
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			state, err := store.GetJobState(ctx, job)
			if err != nil {
				return err
			}
			tasks, err := store.ListTasks(ctx, job)
			if err != nil {
				return err
			}
			result, err := store.GetJobResult(ctx, job)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %s: %s\n\n", job.ID, state)

			t := newTable("#", "TASK", "STATE", "INSTANCES", "ERROR")
			for _, task := range tasks {
				t.Row(fmt.Sprint(task.Index), task.TDLPackage+"::"+task.TDLFunction,
					task.State.String(), fmt.Sprint(task.Instances), task.Error)
			}
			fmt.Fprintln(out, t.Render())

			if result.Kind == persistence.JobResultOutputs {
				fmt.Fprintln(out, "\nOutputs:")
				for i, v := range result.Outputs {
					fmt.Fprintf(out, "  %d  %s\n", i, formatValue(v))
				}
			}
			return nil
		},
	}
	rgFlag.register(cmd, true)
	return cmd
}

func newJobCancelCmd(a *app) *cobra.Command {
	var rgFlag resourceGroupFlag
	cmd := &cobra.Command{
		Use:   "cancel JOB",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := rgFlag.signJob(args[0])
			if err != nil {
				return err
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.CancelJob(cmd.Context(), job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", job.ID)
			return nil
		},
	}
	rgFlag.register(cmd, true)
	return cmd
}

func newJobDeleteCmd(a *app) *cobra.Command {
	var rgFlag resourceGroupFlag
	cmd := &cobra.Command{
		Use:   "delete JOB",
		Short: "Delete a finished job and release its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := rgFlag.signJob(args[0])
			if err != nil {
				return err
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteJob(cmd.Context(), job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", job.ID)
			return nil
		},
	}
	rgFlag.register(cmd, true)
	return cmd
}

func newJobViewCmd(a *app) *cobra.Command {
	var rgFlag resourceGroupFlag
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "view JOB",
		Short: "Watch a job's tasks interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := rgFlag.signJob(args[0])
			if err != nil {
				return err
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			g, err := store.GetJobGraph(cmd.Context(), job)
			if err != nil {
				return err
			}
			model, err := tui.New(g,
				tui.WithTitle("Job "+job.ID.String()),
				tui.WithStates(taskStateLoader(store, job), interval),
			)
			if err != nil {
				return err
			}
			return runProgram(cmd, model)
		},
	}
	rgFlag.register(cmd, true)
	cmd.Flags().DurationVar(&interval, "refresh", 2*time.Second, "refresh interval (0 to refresh on demand)")
	return cmd
}

// taskStateLoader reads the task states of job, indexed by task.
func taskStateLoader(store persistence.JobOrchestration, job ids.SignedJobID) tui.StateLoader {
	return func(ctx context.Context) ([]persistence.TaskState, error) {
		tasks, err := store.ListTasks(ctx, job)
		if err != nil {
			return nil, err
		}
		states := make([]persistence.TaskState, len(tasks))
		for _, task := range tasks {
			if task.Index >= 0 && task.Index < len(states) {
				states[task.Index] = task.State
			}
		}
		return states, nil
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderColumn(false).
		BorderLeft(false).
		BorderRight(false).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().PaddingRight(2)
			if row == table.HeaderRow {
				return style.Bold(true)
			}
			return style
		})
}

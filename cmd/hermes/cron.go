package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/hermes/internal/cron"
)

func buildCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled agent jobs",
	}
	cmd.AddCommand(
		buildCronListCmd(),
		buildCronAddCmd(),
		buildCronRemoveCmd(),
		buildCronEnableCmd(true),
		buildCronEnableCmd(false),
		buildCronRunCmd(),
	)
	return cmd
}

func openJobs(cmd *cobra.Command) (*cron.Store, error) {
	cfg, err := loadConfig(homeFlag(cmd))
	if err != nil {
		return nil, err
	}
	return cron.OpenStore(cfg.Cron.JobsFile)
}

func buildCronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := openJobs(cmd)
			if err != nil {
				return err
			}
			list := jobs.Jobs()
			if len(list) == 0 {
				fmt.Println("No jobs.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tNEXT RUN\tSTATE\tRUNS")
			for _, j := range list {
				state := "enabled"
				if !j.Enabled {
					state = "disabled"
				}
				next := "-"
				if j.Enabled && !j.NextRunAt.IsZero() {
					next = j.NextRunAt.Local().Format("2006-01-02 15:04")
				}
				runs := fmt.Sprintf("%d", j.Repeat.Completed)
				if j.Repeat.Times > 0 {
					runs = fmt.Sprintf("%d/%d", j.Repeat.Completed, j.Repeat.Times)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Name, j.ScheduleDisplay, next, state, runs)
			}
			return w.Flush()
		},
	}
}

func buildCronAddCmd() *cobra.Command {
	var (
		name     string
		schedule string
		prompt   string
		repeat   int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Long: `Schedules take three forms:

  - five-field cron:  "0 9 * * 1-5"
  - plain interval:   "every 30 minutes", "every 2 hours"
  - one-shot:         "in 10 minutes", or an RFC3339 time

One-shot schedules run once; --repeat bounds recurring schedules.`,
		Example: `  hermes cron add --name standup --schedule "0 9 * * 1-5" --prompt "Post the standup reminder"
  hermes cron add --name reminder --schedule "in 45 minutes" --prompt "Tell me to stretch"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := openJobs(cmd)
			if err != nil {
				return err
			}
			job, err := cron.NewJob(name, schedule, prompt, nil, repeat, time.Now().UTC())
			if err != nil {
				return err
			}
			if err := jobs.Add(job); err != nil {
				return err
			}
			fmt.Printf("Added job %s (%s), next run %s.\n",
				job.ID, job.Name, job.NextRunAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Job name")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Schedule expression")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt the agent runs")
	cmd.Flags().IntVar(&repeat, "repeat", 0, "Stop after this many runs (0 = unbounded)")
	_ = cmd.MarkFlagRequired("schedule")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func buildCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := openJobs(cmd)
			if err != nil {
				return err
			}
			ok, err := jobs.Remove(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s not found", args[0])
			}
			fmt.Println("Removed.")
			return nil
		},
	}
}

func buildCronEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <job-id>", "Enable a disabled job"
	if !enable {
		use, short = "disable <job-id>", "Disable a job without removing it"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := openJobs(cmd)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			err = jobs.Update(args[0], func(j *cron.Job) {
				j.Enabled = enable
				if enable {
					j.Repeat.Completed = 0
					if next, ok := j.Schedule.Next(now); ok {
						j.NextRunAt = next
					} else {
						j.Enabled = false
					}
				}
			})
			if err != nil {
				return err
			}
			if enable {
				fmt.Println("Enabled.")
			} else {
				fmt.Println("Disabled.")
			}
			return nil
		},
	}
}

func buildCronRunCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a job immediately, ignoring its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), homeFlag(cmd), debug)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			jobs, err := cron.OpenStore(rt.cfg.Cron.JobsFile)
			if err != nil {
				return err
			}
			job, ok := jobs.Get(args[0])
			if !ok {
				return fmt.Errorf("job %s not found", args[0])
			}
			out, err := rt.gw.RunJob(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

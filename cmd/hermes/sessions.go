package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/hermes/internal/logging"
	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/pkg/models"
)

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}
	cmd.AddCommand(
		buildSessionsListCmd(),
		buildSessionsSearchCmd(),
		buildSessionsExportCmd(),
		buildSessionsPruneCmd(),
		buildSessionsDeleteCmd(),
	)
	return cmd
}

// openStore opens the session store read-write for maintenance commands.
func openStore(cmd *cobra.Command) (*sessions.Store, error) {
	cfg, err := loadConfig(homeFlag(cmd))
	if err != nil {
		return nil, err
	}
	return sessions.Open(cfg.Session.DBPath, sessions.WithLogger(logging.Discard()))
}

func buildSessionsListCmd() *cobra.Command {
	var (
		source string
		active bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := st.SearchSessions(cmd.Context(), sessions.SessionFilter{
				Source:     models.Source(source),
				ActiveOnly: active,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSOURCE\tMODEL\tSTARTED\tMSGS\tSTATE")
			for _, s := range list {
				state := "active"
				if !s.Active() {
					state = "ended (" + s.EndReason + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Source, s.Model,
					s.StartedAt.Format("2006-01-02 15:04"),
					s.MessageCount, state)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Filter by platform (telegram, discord, slack, whatsapp, cli, cron)")
	cmd.Flags().BoolVar(&active, "active", false, "Only active sessions")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	return cmd
}

func buildSessionsSearchCmd() *cobra.Command {
	var (
		source string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search across transcripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			results, err := st.SearchMessages(cmd.Context(), sessions.SearchOptions{
				Query:  args[0],
				Source: models.Source(source),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, r := range results {
				fmt.Printf("%s  %s  [%s/%s]\n  %s\n",
					r.Timestamp.Format("2006-01-02 15:04"),
					r.SessionID, r.Source, r.Role, r.Snippet)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Filter by platform")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum matches")
	return cmd
}

func buildSessionsExportCmd() *cobra.Command {
	var (
		all    bool
		source string
	)
	cmd := &cobra.Command{
		Use:   "export [session-id]",
		Short: "Export sessions with transcripts as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) != 1 {
				return fmt.Errorf("pass a session id or --all")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if all {
				exports, err := st.ExportAll(cmd.Context(), models.Source(source))
				if err != nil {
					return err
				}
				return enc.Encode(exports)
			}
			export, err := st.ExportSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return enc.Encode(export)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Export every session")
	cmd.Flags().StringVar(&source, "source", "", "With --all, filter by platform")
	return cmd
}

func buildSessionsPruneCmd() *cobra.Command {
	var (
		days   int
		source string
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete ended sessions older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(homeFlag(cmd))
			if err != nil {
				return err
			}
			if days == 0 {
				days = cfg.Session.PruneDays
			}
			if days <= 0 {
				return fmt.Errorf("pass --days or set session.prune_days")
			}
			st, err := sessions.Open(cfg.Session.DBPath, sessions.WithLogger(logging.Discard()))
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.PruneSessions(cmd.Context(), days, models.Source(source))
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d sessions older than %d days.\n", n, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Age cutoff in days (default session.prune_days)")
	cmd.Flags().StringVar(&source, "source", "", "Filter by platform")
	return cmd
}

func buildSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete one session and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ok, err := st.DeleteSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s not found", args[0])
			}
			fmt.Println("Deleted.")
			return nil
		},
	}
}

// Command opsh is the terminal DevOps assistant: it plans shell commands
// with a local LLM, gates risky ones behind human approval, and keeps a
// durable per-session log of everything it did.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var debugFlag bool

func main() {
	root := &cobra.Command{
		Use:           "opsh",
		Short:         "agentic DevOps shell",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&debugFlag, "debug", false, "verbose node trace and console logging")

	root.AddCommand(newCmd(), continueCmd(), listCmd(), resetCmd(), exportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "opsh: %v\n", err)
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new <goal>",
		Short: "start a new session with the given goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := strings.Join(args, " ")
			ctx := cmd.Context()

			a, err := newApp(ctx, debugFlag)
			if err != nil {
				return err
			}
			defer a.close()

			sess, err := a.mgr.Create(goal)
			if err != nil {
				return err
			}
			if err := a.idx.InsertSession(ctx, sess); err != nil {
				a.log.Warn("session index insert failed: " + err.Error())
			}
			if err := a.mgr.SetActive(sess.ID); err != nil {
				return err
			}
			return a.runLoop(ctx, sess, debugFlag)
		},
	}
}

func continueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "continue-session [id]",
		Short: "resume the active session, or the one named",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, debugFlag)
			if err != nil {
				return err
			}
			defer a.close()

			id := ""
			if len(args) == 1 {
				id = args[0]
			} else {
				id = a.mgr.Active()
				if id == "" {
					id = a.mgr.Latest()
				}
			}
			if id == "" {
				return fmt.Errorf("no session to continue; run `opsh new <goal>` first")
			}
			sess, err := a.mgr.LoadMeta(id)
			if err != nil {
				return err
			}
			if err := a.mgr.SetActive(sess.ID); err != nil {
				return err
			}
			return a.runLoop(ctx, sess, debugFlag)
		},
	}
}

func listCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "list-sessions",
		Short: "list known sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, debugFlag)
			if err != nil {
				return err
			}
			defer a.close()

			sessions, err := a.idx.ListSessions(ctx, query)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			active := a.mgr.Active()
			for _, s := range sessions {
				marker := " "
				if s.ID == active {
					marker = "*"
				}
				fmt.Printf("%s %-40s %-8s %-8s %s\n", marker, s.ID, s.Status, s.SessionType, s.Goal)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "substring filter over id, title and goal")
	return cmd
}

func resetCmd() *cobra.Command {
	var nuclear bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "wipe all sessions, history and caches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !nuclear {
				return fmt.Errorf("refusing to reset without --nuclear")
			}
			fmt.Print("this deletes every session, the command history and all caches. type 'yes' to proceed: ")
			reader := bufio.NewReader(os.Stdin)
			line, _ := reader.ReadString('\n')
			if strings.TrimSpace(line) != "yes" {
				fmt.Println("aborted")
				return nil
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, debugFlag)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.idx.ResetAll(ctx); err != nil {
				return err
			}
			if err := a.mgr.PurgeAll(); err != nil {
				return err
			}
			if err := a.store.Clear(); err != nil {
				return err
			}
			fmt.Println("reset complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&nuclear, "nuclear", false, "required; there is no partial reset")
	return cmd
}

func exportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "write a markdown report for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, debugFlag)
			if err != nil {
				return err
			}
			defer a.close()

			path, err := a.exportReport(ctx, args[0], outDir)
			if err != nil {
				return err
			}
			fmt.Println("report written to", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "report directory (default <base>/exports)")
	return cmd
}

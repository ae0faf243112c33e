package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(profileName)
		if err != nil {
			return err
		}
		defer s.Close()

		list, err := s.client.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No sessions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tCREATED\tDIRECTORY")
		for _, sess := range s.client.Sessions().List() {
			created := "-"
			if t := sess.CreatedAt(); !t.IsZero() {
				created = t.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sess.ID, sess.Title, created, sess.Directory)
		}
		return w.Flush()
	},
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(profileName)
		if err != nil {
			return err
		}
		defer s.Close()

		sess, err := s.client.CreateSession(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(sess.ID)
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(profileName)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.client.DeleteSession(cmd.Context(), args[0])
	},
}

var sessionsAbortCmd = &cobra.Command{
	Use:   "abort <id>",
	Short: "Abort the running turn of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(profileName)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.client.AbortSession(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsNewCmd, sessionsDeleteCmd, sessionsAbortCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/universal-console/agentlink/internal/connection"
	"github.com/universal-console/agentlink/internal/content"
	"github.com/universal-console/agentlink/internal/events"
	"github.com/universal-console/agentlink/internal/stream"
)

var (
	tailRaw     bool
	tailSession string
	tailTheme   string
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the event stream until interrupted",
	Long: `Follow the server's event stream. By default assistant text is printed
as it arrives; --raw prints every frame as highlighted JSON. Reconnect
settings are reloaded when the config file changes.`,
	RunE: runTail,
}

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().BoolVar(&tailRaw, "raw", false, "Print raw frames")
	tailCmd.Flags().StringVarP(&tailSession, "session", "s", "", "Only show this session")
	tailCmd.Flags().StringVar(&tailTheme, "theme", content.DefaultTheme, "Highlighting theme for --raw")
}

func runTail(cmd *cobra.Command, args []string) error {
	s, err := openSession(profileName)
	if err != nil {
		return err
	}
	defer s.Close()
	c := s.client

	terminal := make(chan error, 1)
	defer c.OnStateChange(func(sc connection.StateChange) {
		fmt.Fprintf(os.Stderr, "[%s]", sc.To)
		if sc.Err != nil {
			fmt.Fprintf(os.Stderr, " %v", sc.Err)
		}
		fmt.Fprintln(os.Stderr)
		if sc.To == connection.StateError {
			select {
			case terminal <- sc.Err:
			default:
			}
		}
	})()
	defer c.OnReconnectAttempt(func(a connection.AttemptInfo) {
		fmt.Fprintf(os.Stderr, "[retry %d in %s]\n", a.Attempt, a.NextDelay)
	})()

	if tailRaw {
		hl := content.NewHighlighter(tailTheme, content.DefaultFormatter)
		defer c.OnFrame(func(f stream.Frame) {
			fmt.Println(hl.FormatFrame(f))
		})()
	} else {
		d := c.Events()
		match := func(id string) bool { return tailSession == "" || id == tailSession }
		defer d.OnToken(func(t events.StreamToken) {
			if !match(t.SessionID) {
				return
			}
			if t.Done {
				fmt.Println()
				return
			}
			fmt.Print(t.Text)
		})()
		defer d.OnSessionEnd(func(e events.SessionEnd) {
			if match(e.SessionID) {
				fmt.Fprintf(os.Stderr, "\n[session %s ended: %s]\n", e.SessionID, e.Reason)
			}
		})()
		defer d.OnPermissionRequest(func(p events.PermissionRequest) {
			if match(p.SessionID) {
				fmt.Fprintf(os.Stderr, "\n[permission %s: %s on %s]\n", p.RequestID, p.Operation, p.ResourcePath)
			}
		})()
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return s.watchConfig(ctx)
	})
	g.Go(func() error {
		c.Connect(ctx)
		select {
		case err := <-terminal:
			return err
		case <-ctx.Done():
			return nil
		}
	})

	return g.Wait()
}

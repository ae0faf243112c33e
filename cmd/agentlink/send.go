package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/universal-console/agentlink/internal/client"
	"github.com/universal-console/agentlink/internal/connection"
	"github.com/universal-console/agentlink/internal/events"
	"github.com/universal-console/agentlink/internal/permission"
)

const (
	connectTimeout = 10 * time.Second
	// settleDelay is how long to wait for trailing tokens once the reply
	// has arrived over REST.
	settleDelay = 2 * time.Second
)

var (
	sendSession string
	sendTitle   string
	sendCommand bool
	sendApprove bool
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <text...>",
	Short: "Send a message and stream the reply",
	Long: `Send a message to a session and print the assistant's reply as it
streams. A new session is created unless --session is given. With --command
the first word is sent as a command name and the rest as its arguments.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendSession, "session", "s", "", "Session id (default: create one)")
	sendCmd.Flags().StringVar(&sendTitle, "title", "", "Title for a new session")
	sendCmd.Flags().BoolVar(&sendCommand, "command", false, "Send as a command instead of a message")
	sendCmd.Flags().BoolVar(&sendApprove, "approve", false, "Approve permission requests automatically")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 5*time.Minute, "How long to wait for the reply")
}

func autoApprove() permission.Decider {
	return permission.DeciderFunc(func(ctx context.Context, req events.PermissionRequest) (permission.Decision, error) {
		fmt.Fprintf(os.Stderr, "approving %s on %s\n", req.Operation, req.ResourcePath)
		return permission.Decision{Approved: true, Reason: "approved from the command line"}, nil
	})
}

// connectAndWait starts the stream and waits until it is live. Reaching
// the error state ends the wait with the terminal error.
func connectAndWait(ctx context.Context, c *client.Client, timeout time.Duration) error {
	changes := make(chan connection.StateChange, 16)
	unsub := c.OnStateChange(func(sc connection.StateChange) {
		select {
		case changes <- sc:
		default:
		}
	})
	defer unsub()

	c.Connect(ctx)
	if c.State() == connection.StateConnected {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case sc := <-changes:
			switch sc.To {
			case connection.StateConnected:
				return nil
			case connection.StateError:
				return sc.Err
			}
		case <-timer.C:
			return fmt.Errorf("event stream not connected after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	var opts []client.Option
	if sendApprove {
		opts = append(opts, client.WithDecider(autoApprove()))
	}
	s, err := openSession(profileName, opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	c := s.client
	if err := connectAndWait(ctx, c, connectTimeout); err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.log.Warn("Streaming unavailable, waiting for the full reply", "error", err.Error())
	}

	id := sendSession
	if id == "" {
		sess, err := c.CreateSession(ctx, sendTitle)
		if err != nil {
			return err
		}
		id = sess.ID
		fmt.Fprintf(os.Stderr, "session %s\n", id)
	}

	done := make(chan struct{}, 1)
	var streamed atomic.Bool
	d := c.Events()
	defer d.OnToken(func(t events.StreamToken) {
		if t.SessionID != id {
			return
		}
		if t.Done {
			select {
			case done <- struct{}{}:
			default:
			}
			return
		}
		streamed.Store(true)
		fmt.Print(t.Text)
	})()
	defer d.OnError(func(e events.ErrorEvent) {
		if e.SessionID == id || e.SessionID == "" {
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", e.Err)
		}
	})()
	defer d.OnPermissionRequest(func(p events.PermissionRequest) {
		if p.SessionID == id && !sendApprove {
			fmt.Fprintf(os.Stderr, "\npermission requested: %s on %s (request %s); rerun with --approve to allow\n",
				p.Operation, p.ResourcePath, p.RequestID)
		}
	})()

	if sendCommand {
		resp, err := c.SendCommand(ctx, id, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		finish(done, &streamed, resp.Text())
		return nil
	}

	res, err := c.SendText(ctx, id, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if !res.Pending {
		finish(done, &streamed, res.Response.Text())
		return nil
	}

	select {
	case <-done:
		fmt.Println()
		return nil
	case <-time.After(sendTimeout):
		return fmt.Errorf("no reply from session %s after %s", id, sendTimeout)
	case <-ctx.Done():
		abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.AbortSession(abortCtx, id); err != nil {
			return errors.Join(ctx.Err(), err)
		}
		return ctx.Err()
	}
}

// finish prints the REST reply unless it already streamed, in which case it
// waits briefly for the turn to end.
func finish(done <-chan struct{}, streamed *atomic.Bool, text string) {
	if !streamed.Load() {
		fmt.Print(text)
	} else {
		select {
		case <-done:
		case <-time.After(settleDelay):
		}
	}
	fmt.Println()
}

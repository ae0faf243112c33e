package main

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/universal-console/agentlink/internal/client"
	"github.com/universal-console/agentlink/internal/health"
	"github.com/universal-console/agentlink/internal/logging"
	"github.com/universal-console/agentlink/internal/ui/menu"
	"github.com/universal-console/agentlink/internal/ui/watch"
)

// feedBuffer bounds how far the stream may run ahead of the screen.
const feedBuffer = 256

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of connection state, health and streamed text",
	Long: `Open a full screen view of the event stream. Without --profile and with
more than one profile configured, a picker is shown first.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	name := profileName
	if name == "" && serverURL == "" {
		choice, ok, err := pickProfile(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		name = choice.Profile
		if choice.ServerURL != "" {
			serverURL = choice.ServerURL
		}
	}

	s, err := openSession(name)
	if err != nil {
		return err
	}
	defer s.Close()

	feed := watch.NewFeed(feedBuffer)
	feed.Attach(s.client)
	defer feed.Close()

	g, gctx := errgroup.WithContext(ctx)
	model := watch.New(gctx, s.profile.Name+" · "+s.profile.ServerURL, s.client, feed)
	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(gctx))

	g.Go(func() error {
		return s.watchConfig(gctx)
	})
	g.Go(func() error {
		s.client.Connect(gctx)
		_, err := prog.Run()
		// Ending the program ends the config watch.
		feed.Close()
		if gctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		return errQuit
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// errQuit cancels the group when the user leaves the view.
var errQuit = errors.New("quit")

// pickProfile shows the profile menu when there is a choice to make.
func pickProfile(ctx context.Context) (menu.Choice, bool, error) {
	mgr, err := newConfigManager()
	if err != nil {
		return menu.Choice{}, false, err
	}
	names, err := mgr.ListProfiles()
	if err != nil {
		return menu.Choice{}, false, err
	}
	if len(names) <= 1 {
		return menu.Choice{}, true, nil
	}
	defName, err := mgr.DefaultProfile()
	if err != nil {
		return menu.Choice{}, false, err
	}

	entries := make([]menu.Entry, 0, len(names))
	for _, n := range names {
		p, err := mgr.LoadProfile(n)
		if err != nil {
			logging.GetConfigLogger().Warn("Skipping profile", "profile", n, "error", err.Error())
			continue
		}
		entries = append(entries, menu.Entry{Name: n, ServerURL: p.ServerURL, Default: n == defName})
	}

	check := func(ctx context.Context, name string) health.Result {
		p, err := mgr.LoadProfile(name)
		if err != nil {
			return health.Result{Error: err.Error()}
		}
		c, err := client.New(p)
		if err != nil {
			return health.Result{Error: err.Error()}
		}
		defer c.Close()
		return c.CheckHealth(ctx)
	}

	m := menu.New(ctx, entries, check)
	if _, err := tea.NewProgram(m, tea.WithContext(ctx)).Run(); err != nil {
		if ctx.Err() != nil {
			return menu.Choice{}, false, nil
		}
		return menu.Choice{}, false, err
	}
	choice, ok := m.Choice()
	return choice, ok, nil
}

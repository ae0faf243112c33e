package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/universal-console/agentlink/internal/ui/components"
)

var healthJSON bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the server's health endpoints once",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(profileName)
		if err != nil {
			return err
		}
		defer s.Close()

		res := s.client.CheckHealth(cmd.Context())
		if healthJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			fmt.Printf("%s %s\n", components.RenderHealth(res.IsHealthy), s.profile.ServerURL)
			fmt.Printf("  endpoints: %s\n", strings.Join(res.CheckedEndpoints, ", "))
			fmt.Printf("  response:  %s\n", res.ResponseTime)
			if res.StatusCode != 0 {
				fmt.Printf("  status:    %d\n", res.StatusCode)
			}
			if res.Error != "" {
				fmt.Printf("  error:     %s (%s)\n", res.Error, res.Severity)
			}
		}
		if !res.IsHealthy {
			return fmt.Errorf("server at %s is unhealthy", s.profile.ServerURL)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Print the probe result as JSON")
}

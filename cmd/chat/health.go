package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"jean-claude-go/internal/chatclient"
	"jean-claude-go/internal/config"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check whether the proxy is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Conf
		client := chatclient.NewAPIClient(cfg.Client)
		if !client.HealthCheck(cmd.Context()) {
			return fmt.Errorf("proxy at %s is not healthy", cfg.Client.BaseURL)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "proxy at %s is healthy\n", cfg.Client.BaseURL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

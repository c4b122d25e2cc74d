package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

const redacted = "********"

func configCommands(app *payflowInstance) *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instances computed configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *app.cnf
			if !showSecrets {
				if cfg.DataSource.Dns != "" {
					cfg.DataSource.Dns = redacted
				}
				if cfg.Redis.Dns != "" {
					cfg.Redis.Dns = redacted
				}
				if cfg.Notification.Slack.WebhookUrl != "" {
					cfg.Notification.Slack.WebhookUrl = redacted
				}
			}

			data, err := json.MarshalIndent(cfg, "", "    ")
			if err != nil {
				return fmt.Errorf("error printing config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print connection strings and webhook urls")
	return cmd
}

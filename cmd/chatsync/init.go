package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initName   string
	initEmail  string
	initAPIURL string
	initWSURL  string
)

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "Display name")
	initCmd.Flags().StringVar(&initEmail, "email", "", "Email address")
	initCmd.Flags().StringVar(&initAPIURL, "api-url", "", "REST API base URL (default "+defaultAPIURL+")")
	initCmd.Flags().StringVar(&initWSURL, "ws-url", "", "Realtime server URL (default: API URL without /api)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store identity in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the user id (and optionally name, email and server URLs) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UserID = args[0]
		if initName != "" {
			cfg.Auth.UserName = initName
		}
		if initEmail != "" {
			cfg.Auth.UserEmail = initEmail
		}
		if initAPIURL != "" {
			cfg.Default.APIURL = initAPIURL
		}
		if initWSURL != "" {
			cfg.Default.WSURL = initWSURL
		}
		if cfg.Default.AppName == "" {
			cfg.Default.AppName = defaultAppName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Identity %s saved to %s\n", cfg.Auth.UserID, path)
		return nil
	},
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server status",
	Long:  "Display the current configuration and, when an identity is set, fetch live counts from the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  API URL:     %s\n", cfg.apiURL())
		fmt.Printf("  Socket URL:  %s\n", cfg.wsURL())
		fmt.Printf("  App name:    %s\n", cfg.appName())
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))
		fmt.Printf("  Storage:     %s\n", valueOrDefault(cfg.Storage.Path, "(config directory)"))
		fmt.Printf("  Redis:       %s\n", valueOrDefault(cfg.Storage.RedisURL, "(not set, in-memory dedup)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID == "" {
			fmt.Println("  User:        (not set)")
			return nil
		}
		fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		fmt.Printf("  Name:        %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))
		fmt.Printf("  Email:       %s\n", valueOrDefault(cfg.Auth.UserEmail, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		users, err := client.Users.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching users: %v\n", err)
			return nil
		}
		online := 0
		for _, u := range users {
			if u.IsOnline {
				online++
			}
		}
		convs, err := client.Conversations.ListForUser(ctx, cfg.Auth.UserID)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		groups, unread := 0, 0
		for _, c := range convs {
			if c.IsGroup() {
				groups++
			}
			unread += c.UnreadCount
		}

		fmt.Printf("  Users:         %d (%d online)\n", len(users), online)
		fmt.Printf("  Conversations: %d (%d groups)\n", len(convs), groups)
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

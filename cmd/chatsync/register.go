package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/intrachat/chatsync"
	"github.com/spf13/cobra"
)

var (
	registerEmail   string
	registerRoles   string
	registerFilials string
	registerAvatar  string
)

func init() {
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Email address (required)")
	registerCmd.Flags().StringVar(&registerRoles, "roles", "", "Comma-separated list of roles")
	registerCmd.Flags().StringVar(&registerFilials, "filials", "", "Comma-separated list of branches")
	registerCmd.Flags().StringVar(&registerAvatar, "avatar", "", "Avatar URL or path")
	_ = registerCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(registerCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Create a user and use it as the CLI identity",
	Long:  "Create a new user on the chat server and store the returned identity locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		user, err := client.Users.Create(ctx, &chatsync.CreateUserOptions{
			Name:     args[0],
			Email:    registerEmail,
			Roles:    splitList(registerRoles),
			Filials:  splitList(registerFilials),
			Avatar:   registerAvatar,
			Status:   "offline",
			IsActive: true,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		// Write back the file contents only, not the environment overrides.
		fileCfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fileCfg.Auth.UserID = user.ID
		fileCfg.Auth.UserName = user.Name
		fileCfg.Auth.UserEmail = user.Email
		if err := saveConfig(fileCfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Registration successful!")
		fmt.Printf("  User ID: %s\n", user.ID)
		fmt.Printf("  Name:    %s\n", user.Name)
		fmt.Printf("  Email:   %s\n", user.Email)
		return nil
	},
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

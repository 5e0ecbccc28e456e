package main

import (
	"context"
	"fmt"
	"time"

	"github.com/intrachat/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	usersJSON   bool
	usersOnline bool

	conversationsJSON   bool
	conversationsUnread bool

	messagesLimit int
	messagesJSON  bool
)

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		users, err := newClient(cfg).Users.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if usersOnline {
			filtered := users[:0]
			for _, u := range users {
				if u.IsOnline {
					filtered = append(filtered, u)
				}
			}
			users = filtered
		}

		if usersJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No users.")
			return nil
		}
		for _, u := range users {
			status := "offline"
			if u.IsOnline {
				status = "online"
			}
			fmt.Printf("%-24s  %-20s  %-28s  %s\n", u.ID, u.Name, u.Email, status)
		}
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List the conversations of the configured identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		me, err := identity(cfg)
		if err != nil {
			return err
		}
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Conversations.ListForUser(ctx, me.ID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		names := map[string]string{}
		if users, err := client.Users.List(ctx); err == nil {
			for _, u := range users {
				names[u.ID] = u.Name
			}
		}
		for i := range convs {
			c := &convs[i]
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf("  (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%-24s  %-7s  %s%s\n", c.ID, c.Type, conversationLabel(c, me.ID, names), unread)
		}
		return nil
	},
}

// conversationLabel names a group by its name and a private chat by its peer.
func conversationLabel(c *chatsync.Conversation, selfID string, names map[string]string) string {
	if c.IsGroup() {
		return valueOrDefault(c.Name, c.ID)
	}
	peer := c.OtherParticipant(selfID)
	return valueOrDefault(names[peer], peer)
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print the history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := newClient(cfg).Messages.List(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for i := range msgs {
			fmt.Println(formatMessage(&msgs[i], nil))
		}
		return nil
	},
}

func init() {
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output raw JSON")
	usersCmd.Flags().BoolVar(&usersOnline, "online", false, "Only show online users")

	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last N messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
}

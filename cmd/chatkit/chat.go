package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatkit "github.com/skillbridge-app/chatkit"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsPage int
	conversationsSize int
	conversationsJSON bool

	// history
	historyPage int
	historySize int
	historyJSON bool

	// watch
	watchJoinSession bool
)

// ============================================================================
// chatkit conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx, conversationsPage, conversationsSize)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			b, _ := json.MarshalIndent(convs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range convs {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			name := c.Name
			if name == "" {
				name = string(c.Type)
			}
			fmt.Printf("  %d: %s [%s]%s\n", c.ID, name, c.Status, unread)
			if c.LastMessagePreview != "" {
				fmt.Printf("      %s\n", c.LastMessagePreview)
			}
		}
		return nil
	},
}

// ============================================================================
// chatkit history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show past messages in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		messages, err := client.MessageHistory(ctx, conversationID, historyPage, historySize)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			b, _ := json.MarshalIndent(messages, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range messages {
			printMessage(msg)
		}
		return nil
	},
}

// ============================================================================
// chatkit send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a text message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		content := args[1]

		engine, _ := getEngine()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer engine.Close()

		watch := engine.Watch(conversationID)
		defer watch.Close()

		tempID, err := engine.SendMessage(ctx, conversationID, chatkit.Draft{Content: content})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		// Wait for the server echo to replace the optimistic entry.
		deadline := time.After(10 * time.Second)
		for {
			select {
			case msgs := <-watch.Messages:
				for _, m := range msgs {
					if m.ID == tempID {
						continue
					}
					if !m.Optimistic() && m.Content == content {
						fmt.Printf("Message sent: id %d\n", m.ID)
						return nil
					}
				}
			case <-deadline:
				fmt.Println("Message queued (no server confirmation yet).")
				return nil
			}
		}
	},
}

// ============================================================================
// chatkit read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkConversationRead(ctx, conversationID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %d marked as read.\n", conversationID)
		return nil
	},
}

// ============================================================================
// chatkit unread
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread counts per conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		counts, err := client.UnreadCounts(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(counts) == 0 {
			fmt.Println("No unread messages.")
			return nil
		}
		for id, n := range counts {
			fmt.Printf("  conversation %d: %d unread\n", id, n)
		}
		return nil
	},
}

// ============================================================================
// chatkit watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream live messages and typing activity",
	Long:  "Connect to the realtime gateway and print messages, typing activity, and connection transitions for one conversation until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, err := parseConversationID(args[0])
		if err != nil {
			return err
		}

		engine, _ := getEngine()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer engine.Close()

		watch := engine.Watch(conversationID)
		defer watch.Close()
		watch.Focus()

		if watchJoinSession {
			if err := engine.JoinSession(ctx, conversationID); err != nil {
				fmt.Fprintf(os.Stderr, "session join failed: %v\n", err)
			}
			defer engine.LeaveSession(context.Background(), conversationID)
		}

		status, cancelStatus := engine.Status()
		defer cancelStatus()
		notifications, cancelNotifications := engine.Notifications()
		defer cancelNotifications()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		fmt.Printf("Watching conversation %d. Ctrl-C to stop.\n", conversationID)

		var lastCount int
		for {
			select {
			case <-sig:
				fmt.Println("\nStopped.")
				return nil
			case st := <-status:
				if st.RetryExhausted {
					fmt.Println("-- connection lost, retries exhausted --")
					return fmt.Errorf("connection lost")
				}
				fmt.Printf("-- connection %s --\n", st.State)
			case msgs := <-watch.Messages:
				for i := lastCount; i < len(msgs); i++ {
					printMessage(msgs[i])
				}
				lastCount = len(msgs)
			case typing := <-watch.Typing:
				if len(typing) > 0 {
					names := make([]string, 0, len(typing))
					for _, t := range typing {
						names = append(names, t.DisplayName)
					}
					fmt.Printf("-- typing: %v --\n", names)
				}
			case n := <-notifications:
				fmt.Printf("-- notification [%s]: %s --\n", n.Priority, n.Preview)
			}
		}
	},
}

// ============================================================================
// Helpers
// ============================================================================

func parseConversationID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", s)
	}
	return id, nil
}

func printMessage(msg chatkit.Message) {
	marker := ""
	if msg.Optimistic() {
		marker = " (sending)"
	}
	if msg.Deleted {
		fmt.Printf("[%s] %s: (deleted)\n", msg.SentAt.Format(time.RFC3339), msg.SenderName)
		return
	}
	content := msg.Content
	if msg.Type != chatkit.MessageText && msg.Type != chatkit.MessageSystem {
		content = fmt.Sprintf("[%s] %s", msg.Type, content)
	}
	fmt.Printf("[%s] %s: %s%s\n", msg.SentAt.Format(time.RFC3339), msg.SenderName, content, marker)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().IntVar(&conversationsPage, "page", 0, "Page number")
	conversationsCmd.Flags().IntVarP(&conversationsSize, "size", "n", 0, "Page size")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVar(&historyPage, "page", 0, "Page number")
	historyCmd.Flags().IntVarP(&historySize, "size", "n", 0, "Page size")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	watchCmd.Flags().BoolVar(&watchJoinSession, "join-session", false, "Announce session presence for livestream conversations")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(watchCmd)
}

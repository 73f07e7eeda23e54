package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/satchel-app/satchel/core/chat"
	"github.com/satchel-app/satchel/core/providers"
)

var (
	chatSessionID    string
	chatModel        string
	chatNoRetrieve   bool
	chatShowThinking bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a chat message",
	Long: `Sends one message through the chat pipeline and streams the reply.
Without --session a new session is created and its id printed, so a
follow-up can continue the conversation.

Examples:
  satchel chat "summarize my notes on osmosis"
  satchel chat --session 2f1c... "and compare with diffusion"
  satchel chat sessions`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

var chatSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List chat sessions",
	RunE:  runChatSessions,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatSessionsCmd)

	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "Continue an existing session")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model id (defaults to the configured model)")
	chatCmd.Flags().BoolVar(&chatNoRetrieve, "no-retrieval", false, "Skip workspace retrieval")
	chatCmd.Flags().BoolVar(&chatShowThinking, "thinking", false, "Print reasoning deltas dimmed")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	message := args[0]

	sessionID := chatSessionID
	if sessionID == "" {
		session, err := a.chatStore.CreateSession(ctx, truncateTitle(message), chatModel)
		if err != nil {
			return err
		}
		sessionID = session.ID
		fmt.Fprintf(os.Stderr, "session %s\n", sessionID)
	}

	cfg := a.cfg.Get()
	result, err := a.pipeline().Run(ctx, chat.TurnOptions{
		SessionID:       sessionID,
		Content:         message,
		Model:           chatModel,
		EnableRetrieval: cfg.Chat.RetrievalEnabled && !chatNoRetrieve,
	}, func(chunk *providers.StreamChunk) error {
		switch chunk.Type {
		case providers.ChunkTypeText:
			fmt.Print(chunk.Text)
		case providers.ChunkTypeThinking:
			if chatShowThinking && chunk.Text != "" {
				fmt.Fprintf(os.Stderr, "\033[90m%s\033[0m", chunk.Text)
			}
		case providers.ChunkTypeToolStart:
			if chunk.ToolCall != nil && chunk.ToolCall.Name != "" {
				fmt.Fprintf(os.Stderr, "\n[tool: %s]\n", chunk.ToolCall.Name)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Println()
	if result.Err != nil {
		return result.Err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	return nil
}

func runChatSessions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sessions, err := a.chatStore.ListSessions(ctx)
	if err != nil {
		return err
	}
	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(sessions)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUPDATED\tTITLE")
	for _, session := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\n", session.ID, session.UpdatedAt, session.Title)
	}
	return w.Flush()
}

func truncateTitle(s string) string {
	runes := []rune(s)
	if len(runes) <= 48 {
		return s
	}
	return string(runes[:48]) + "…"
}

package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/tripmate/pkg/assistant"
)

var chatUser string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant in the terminal",
	Long: `Start an interactive conversation. Each line is one turn; type "exit"
or send EOF to leave. Turns share history and memory with the server for the
same user id.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "user id the conversation belongs to")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{assistant: true})
	if err != nil {
		return err
	}
	defer a.Close()

	return chatLoop(cmd, a.assistant, chatUser)
}

type turnHandler interface {
	HandleTurn(ctx context.Context, req assistant.TurnRequest) (*assistant.TurnResult, error)
}

func chatLoop(cmd *cobra.Command, turns turnHandler, userID string) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Fprintf(out, "Tripmate %s. Chatting as %q, type \"exit\" to quit.\n", version, userID)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		result, err := turns.HandleTurn(cmd.Context(), assistant.TurnRequest{UserID: userID, Input: line})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s\n\n", result.Text)
	}
}

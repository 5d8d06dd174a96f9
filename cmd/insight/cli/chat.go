package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/insight/internal/stream"
	"github.com/felixgeelhaar/insight/internal/ui"
	"github.com/felixgeelhaar/insight/internal/ui/tui"
)

var (
	chatUser    string
	interactive bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant from the terminal",
	Run: func(cmd *cobra.Command, args []string) {
		runChat()
	},
}

func init() {
	RootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatUser, "user", "u", "local", "User id for memory")
	chatCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Start the full-screen TUI")
}

func runChat() {
	ctx := context.Background()
	s, err := buildStack(ctx)
	if err != nil {
		fatal(err)
	}
	defer s.Close()

	sess, hasMemory, err := s.agent.CreateSession(ctx, chatUser)
	if err != nil {
		fatal(err)
	}

	send := func(message string) (<-chan stream.Event, error) {
		em := stream.NewEmitter(64, 0)
		go func() {
			if err := s.agent.Respond(ctx, sess.ID, message, em); err != nil {
				em.Error(err.Error())
			}
		}()
		return em.Events(), nil
	}

	if interactive {
		if err := tui.Run(send); err != nil {
			fatal(err)
		}
		return
	}

	if hasMemory {
		fmt.Println("(picking up where we left off)")
	}
	fmt.Println("Ask about your data. Empty line quits.")

	renderer := ui.NewRenderer(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\nyou> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			return
		}
		events, _ := send(line)
		for ev := range events {
			renderer.Render(ev)
		}
	}
}

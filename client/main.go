package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatrelay/client/link"
	"chatrelay/protocol"
)

var (
	relayURL string
	name     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatrelay-client",
		Short: "Terminal client for the chat relay",
		Long: "Connects to the relay, registers a display name and relays " +
			"stdin lines as broadcast messages. Prefix a line with @peer " +
			"to send a direct message.",
		RunE: run,
	}

	rootCmd.Flags().StringVarP(&relayURL, "url", "u", "ws://localhost:8080", "relay WebSocket URL")
	rootCmd.Flags().StringVarP(&name, "name", "n", "", "display name to register")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	l := link.New(relayURL, log)
	if name != "" {
		l.Register(name)
	}

	l.OnStatus(func(st link.Status) {
		fmt.Printf("* link %s\n", st.State)
	})
	l.OnEnvelope(func(env any) {
		printEnvelope(env)
	})

	go l.Run(ctx)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var to *string
		if strings.HasPrefix(text, "@") {
			parts := strings.SplitN(text[1:], " ", 2)
			if len(parts) == 2 {
				to = &parts[0]
				text = parts[1]
			}
		}

		if err := l.Send(protocol.NewChatMessage(text, to)); err != nil {
			fmt.Printf("* queued (%v)\n", err)
		}
	}

	return scanner.Err()
}

func printEnvelope(env any) {
	switch env := env.(type) {
	case *protocol.Hello:
		fmt.Printf("* %s\n", env.Msg)
	case *protocol.Registered:
		fmt.Printf("* registered as %s, online: %s\n", env.YourName, strings.Join(env.Users, ", "))
	case *protocol.Users:
		fmt.Printf("* online: %s\n", strings.Join(env.Users, ", "))
	case *protocol.Presence:
		if env.Event == protocol.PresenceJoin {
			fmt.Printf("* %s joined\n", env.Name)
		} else {
			fmt.Printf("* %s left\n", env.Name)
		}
	case *protocol.ChatMessage:
		if env.To != nil {
			fmt.Printf("[%s -> %s] %s\n", env.From, *env.To, env.Text)
		} else {
			fmt.Printf("[%s] %s\n", env.From, env.Text)
		}
	case *protocol.FileMessage:
		fmt.Printf("[%s] sent file %s (%s, %d bytes base64)\n", env.From, env.Filename, env.Filetype, len(env.Data))
	case *protocol.History:
		fmt.Printf("* history with %s: %d messages\n", env.With, len(env.Messages))
		for _, m := range env.Messages {
			if m.IsFile() {
				fmt.Printf("  [%s] file %s\n", m.From, m.Filename)
			} else {
				fmt.Printf("  [%s] %s\n", m.From, m.Text)
			}
		}
	}
}

// chatrelay CLI - command line client for a chatrelay server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eldtechnologies/chatrelay/clients/go/chatrelay"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := chatrelay.NewClient(os.Getenv("CHATRELAY_URL"))
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "stats":
		resp, err := client.Stats(ctx)
		exitOnError(err)
		printJSON(resp)

	case "history":
		need(args, 2, "history <user> <peer>")
		messages, err := client.History(ctx, chatrelay.RoomID(args[0], args[1]))
		exitOnError(err)
		for _, msg := range messages {
			printMessage(msg)
		}

	case "send":
		need(args, 3, "send <user> <peer> <message>")
		msg, err := client.Send(ctx, chatrelay.RoomID(args[0], args[1]), args[0], strings.Join(args[2:], " "))
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "read":
		need(args, 2, "read <user> <peer>")
		exitOnError(client.MarkRead(ctx, chatrelay.RoomID(args[0], args[1]), args[0]))
		fmt.Println("Marked read")

	case "inbox":
		need(args, 1, "inbox <user>")
		convs, err := client.Conversations(ctx, args[0])
		exitOnError(err)
		for _, conv := range convs {
			fmt.Printf("  %-30s %d unread\n", conv.RoomID, conv.UnreadCount)
		}

	case "unread":
		need(args, 1, "unread <user>")
		total, err := client.UnreadTotal(ctx, args[0])
		exitOnError(err)
		fmt.Println(total)

	case "status":
		need(args, 1, "status <user>")
		online, err := client.Online(ctx, args[0])
		exitOnError(err)
		if online {
			fmt.Println("online")
		} else {
			fmt.Println("offline")
		}

	case "listen":
		need(args, 2, "listen <user> <peer>")
		listen(ctx, client, args[0], args[1])

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// listen goes online as user and prints the conversation with peer as it happens.
func listen(ctx context.Context, client *chatrelay.Client, user, peer string) {
	conn, err := client.Dial(ctx)
	exitOnError(err)
	defer conn.Close()

	exitOnError(conn.Join(chatrelay.RoomID(user, peer)))
	exitOnError(conn.Announce(user))

	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			exitOnError(err)
		}

		switch ev.Name {
		case "receive_message":
			var msg chatrelay.Message
			if json.Unmarshal(ev.Data, &msg) == nil {
				printMessage(msg)
			}
		case "status_update":
			var st chatrelay.StatusUpdate
			if json.Unmarshal(ev.Data, &st) == nil && st.UserID == peer {
				fmt.Printf("* %s is %s\n", st.UserID, st.Status)
			}
		}
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "Usage: chatrelay "+usage)
		os.Exit(1)
	}
}

func printMessage(msg chatrelay.Message) {
	mark := " "
	if !msg.Read {
		mark = "*"
	}
	fmt.Printf("%s[%s] %s: %s\n", mark, msg.CreatedAt.Local().Format(time.DateTime), msg.SenderID, msg.Text)
}

func usage() {
	fmt.Println(`chatrelay CLI - one-to-one chat from the terminal

Usage: chatrelay <command> [args]

Commands:
  send <user> <peer> <message>   Send a message to peer
  history <user> <peer>          Show the conversation (* = unread)
  read <user> <peer>             Mark peer's messages as read
  inbox <user>                   List conversations with unread counts
  unread <user>                  Total unread messages
  status <user>                  Show whether a user is online
  listen <user> <peer>           Go online and follow the conversation
  stats                          Server statistics
  health                         Check server health

Environment:
  CHATRELAY_URL   Server URL (default: http://localhost:8080)`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

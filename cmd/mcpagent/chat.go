package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/mcpagent/orchestrator"
	"github.com/spf13/cobra"
)

func newChatCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(flags)
			if err != nil {
				return err
			}
			defer client.Cleanup()
			return runChat(cmd, client)
		},
	}
}

const chatHelp = `Commands:
  servers              list configured servers and their state
  connect [name ...]   connect servers (all when no names given)
  add <name> <cmd...>  add a stdio server and connect it
  tools                list available tools
  summary              show the compacted conversation summary
  clear                drop the conversation
  help                 show this help
  quit                 exit

Anything else is sent to the model as a query.`

func runChat(cmd *cobra.Command, client *orchestrator.Client) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	connected, failed, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected servers: %s\n", strings.Join(connected, ", "))
	for name, ferr := range failed {
		fmt.Fprintf(out, "Failed to connect %s: %s\n", name, ferr.Error())
	}
	fmt.Fprintf(out, "%d tools available. Type 'help' for commands.\n", len(client.ListTools()))

	sessionID := chatmodel.NewSessionID()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return nil
		case "help":
			fmt.Fprintln(out, chatHelp)
		case "servers":
			for _, d := range client.Servers() {
				fmt.Fprintf(out, "%-20s %-16s %s", d.Name, d.Transport, d.State)
				if d.Error != "" {
					fmt.Fprintf(out, " (%s)", d.Error)
				}
				fmt.Fprintln(out)
			}
		case "connect":
			connected, failed, err := client.Connect(ctx, fields[1:]...)
			if err != nil {
				fmt.Fprintf(out, "error: %s\n", err.Error())
				continue
			}
			fmt.Fprintf(out, "Connected: %s\n", strings.Join(connected, ", "))
			for name, ferr := range failed {
				fmt.Fprintf(out, "Failed %s: %s\n", name, ferr.Error())
			}
		case "add":
			if len(fields) < 3 {
				fmt.Fprintln(out, "usage: add <name> <command> [args ...]")
				continue
			}
			err := client.AddServer(ctx, fields[1], &config.ServerConfig{
				Command: fields[2],
				Args:    fields[3:],
			})
			if err != nil {
				fmt.Fprintf(out, "error: %s\n", err.Error())
				continue
			}
			fmt.Fprintf(out, "Server %s added, %d tools available.\n", fields[1], len(client.ListTools()))
		case "tools":
			printTools(out, client)
		case "summary":
			if s := client.SessionSummary(sessionID); s != "" {
				fmt.Fprintln(out, s)
			} else {
				fmt.Fprintln(out, "No summary yet.")
			}
		case "clear":
			client.ClearSession(sessionID)
			fmt.Fprintln(out, "Conversation cleared.")
		default:
			res, err := client.ProcessQuery(ctx, sessionID, line)
			if err != nil {
				fmt.Fprintf(out, "error: %s\n", err.Error())
				continue
			}
			fmt.Fprintln(out, res.Answer)
		}
	}
}

func printTools(out io.Writer, client *orchestrator.Client) {
	tools := client.ListTools()
	if len(tools) == 0 {
		fmt.Fprintln(out, "No tools available. Connect a server first.")
		return
	}
	for _, e := range tools {
		fmt.Fprintf(out, "%-32s [%s] %s\n", e.Exposed, e.Server, e.Description)
	}
}

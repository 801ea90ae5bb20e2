package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opd-ai/cspcore/messages"
	"github.com/opd-ai/cspcore/transport"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the server and print incoming messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			client.OnMessage(func(m messages.Message) error {
				fmt.Fprintln(out, describe(m))
				return nil
			})
			client.OnStateChange(func(state transport.State) {
				fmt.Fprintf(out, "* %s\n", state)
			})
			client.OnServerAlert(func(alert string) {
				fmt.Fprintf(out, "* server alert: %s\n", alert)
			})
			client.OnServerError(func(message string, reconnectAllowed bool) {
				fmt.Fprintf(out, "* server error: %s (reconnect allowed: %v)\n", message, reconnectAllowed)
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := client.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}

func describe(m messages.Message) string {
	h := m.MessageHeader()
	prefix := fmt.Sprintf("[%s] %s", h.Date.Format("2006-01-02 15:04:05"), h.From)
	if h.Nickname != "" {
		prefix += " (" + h.Nickname + ")"
	}
	if h.FSMode != messages.FSModeNone {
		prefix += " " + h.FSMode.String()
	}
	switch msg := m.(type) {
	case *messages.Text:
		return prefix + ": " + msg.Text
	default:
		return prefix + ": <" + m.Type().String() + ">"
	}
}

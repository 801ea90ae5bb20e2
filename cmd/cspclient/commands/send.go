package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/cspcore/protocol"
)

func sendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <identity> <text>",
		Short: "Send a text message and wait for the server ack",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := protocol.Identity(args[0])
			if err := to.Validate(); err != nil {
				return err
			}

			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			acks := make(chan protocol.QueueMessageID, 8)
			client.OnAck(func(id protocol.QueueMessageID) {
				select {
				case acks <- id:
				default:
				}
			})

			box, err := client.SendText(to, args[1])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := client.Start(ctx); err != nil {
				return err
			}

			want := box.QueueID()
			for {
				select {
				case id := <-acks:
					if id == want {
						fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", want.MessageID)
						return nil
					}
				case <-ctx.Done():
					return fmt.Errorf("no ack for %s within %s, message stays queued", want.MessageID, timeout)
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the server ack")
	return cmd
}

func resetFSCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "reset-fs <identity>",
		Short: "Terminate all forward security sessions with a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := protocol.Identity(args[0])
			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.ResetForwardSecurity(peer); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := client.Start(ctx); err != nil {
				return err
			}
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for client.Queue().Len() > 0 {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					fmt.Fprintf(cmd.OutOrStdout(), "sessions with %s deleted, %d messages stay queued\n", peer, client.Queue().Len())
					return nil
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sessions with %s terminated\n", peer)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the server ack")
	return cmd
}

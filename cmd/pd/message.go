package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/podyard/internal/models"
	"github.com/zulandar/podyard/internal/reconcile"
)

// now is the CLI clock, replaced in tests.
var now = time.Now

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Read and send pod messages",
	}

	cmd.AddCommand(newMessageListCmd())
	cmd.AddCommand(newMessageSendCmd())
	cmd.AddCommand(newMessageNodesCmd())
	cmd.AddCommand(newMessageLocateCmd())
	return cmd
}

// fetchReconciled returns the store's messages merged behind the bootstrap
// conversation, as the dashboard shows them.
func fetchReconciled(cmd *cobra.Command, configPath string) ([]models.Message, error) {
	_, client, err := clientFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	remote, err := client.FetchMessages(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return reconcile.Merge(reconcile.Bootstrap(now()), remote), nil
}

func newMessageListCmd() *cobra.Command {
	var (
		configPath string
		node       string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the reconciled conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := fetchReconciled(cmd, configPath)
			if err != nil {
				return err
			}
			if node != "" {
				msgs = reconcile.ForNode(msgs, node)
			}

			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(out, "No messages.")
				return nil
			}
			w := newTable(out)
			fmt.Fprintln(w, "ID\tFROM\tTO\tTEXT\tLOCATION\tRECEIVED")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					truncate(m.Key(), 12), m.Sender, orDash(m.Target), truncate(m.Text, 50), orDash(m.Location), orDash(m.ReceivedAt))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&node, "node", "n", "", "only show the conversation with this pod")
	return cmd
}

func newMessageSendCmd() *cobra.Command {
	var (
		configPath string
		to         string
		location   string
	)

	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send an operator message to a pod",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if strings.TrimSpace(to) == "" || strings.TrimSpace(text) == "" {
				return fmt.Errorf("a target pod and message text are required")
			}
			_, client, err := clientFromConfig(configPath)
			if err != nil {
				return err
			}
			sub := models.Submission{
				ClientID: strconv.FormatInt(now().UnixMilli(), 10),
				Sender:   models.Operator,
				Receiver: to,
				Text:     text,
				Location: location,
			}
			if err := client.SubmitMessage(cmd.Context(), sub); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s (msgID %s)\n", to, sub.ClientID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&to, "to", "t", "", "target pod (required)")
	cmd.Flags().StringVar(&location, "location", "", "operator location as lat,lng")
	cmd.MarkFlagRequired("to")
	return cmd
}

func newMessageNodesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List pods in order of first appearance",
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := fetchReconciled(cmd, configPath)
			if err != nil {
				return err
			}
			for _, n := range reconcile.DistinctNodes(msgs) {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newMessageLocateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "locate <node>",
		Short: "Show a pod's last reported location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := fetchReconciled(cmd, configPath)
			if err != nil {
				return err
			}
			loc, ok := reconcile.LatestLocation(msgs, args[0])
			if !ok {
				return fmt.Errorf("no location reported by %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", args[0], loc, loc.MapURL())
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/podyard/internal/podstatus"
)

func newPodsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pods",
		Short: "Pod liveness commands",
	}
	cmd.AddCommand(newPodsStatusCmd())
	cmd.AddCommand(newPodsCheckCmd())
	return cmd
}

func newPodsStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pod status table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPods(cmd, configPath, false)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func newPodsCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the store to re-evaluate pod liveness, then show the table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPods(cmd, configPath, true)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func runPods(cmd *cobra.Command, configPath string, check bool) error {
	_, client, err := clientFromConfig(configPath)
	if err != nil {
		return err
	}
	mon, err := podstatus.NewMonitor(podstatus.MonitorOpts{Source: client, Now: now})
	if err != nil {
		return err
	}

	var snap podstatus.Snapshot
	if check {
		snap = mon.Check(cmd.Context())
	} else {
		snap = mon.Poll(cmd.Context())
	}

	out := cmd.OutOrStdout()
	if snap.Sample {
		fmt.Fprintln(out, "Store unavailable or empty; showing sample pods.")
	}
	w := newTable(out)
	fmt.Fprintln(w, "POD\tSTATUS\tBATTERY\tLAST SEEN")
	t := now()
	for _, p := range snap.Pods {
		fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\n", p.PodID, p.Status, p.Battery, lastSeen(p.LastSeen, t))
	}
	return w.Flush()
}

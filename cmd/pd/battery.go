package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/podyard/internal/battery"
)

func newBatteryCmd() *cobra.Command {
	var (
		node    string
		voltage float64
		current float64
	)

	cmd := &cobra.Command{
		Use:   "battery",
		Short: "Show battery figures for the simulated fleet or a single reading",
		Long: `Without flags, prints the simulated ESP32 fleet. With --voltage, computes
charge, power and runtime for one reading (positive --current means discharging).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			samples := battery.SampleFleet()
			if cmd.Flags().Changed("voltage") {
				samples = []battery.Sample{{NodeID: node, Voltage: voltage, CurrentMA: current}}
			}

			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "POD\tVOLTAGE\tCURRENT\tCHARGE\tPOWER\tRUNTIME\tSTATUS")
			for _, s := range battery.ComputeAll(samples) {
				fmt.Fprintf(w, "%s\t%.2f V\t%.0f mA\t%d%% (%s)\t%.2f W\t%.1f h\t%s\n",
					orDash(s.NodeID), s.Voltage, s.CurrentMA, s.Percentage, s.Level, s.PowerW, s.RuntimeH, s.Status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&node, "node", "", "pod id for a single reading")
	cmd.Flags().Float64Var(&voltage, "voltage", 0, "cell voltage in volts")
	cmd.Flags().Float64Var(&current, "current", 0, "current draw in mA")
	return cmd
}

package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/types"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
)

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Show detailed state of a resource",
}

var describeApplicationCmd = &cobra.Command{
	Use:     "application NAME",
	Aliases: []string{"app"},
	Short:   "Show an application's per-device status",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var app apiv1alpha1.Application
		key := types.NamespacedName{Name: args[0], Namespace: namespace}
		if err := c.Get(cmd.Context(), key, &app); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Name:     %s\n", app.Name)
		fmt.Fprintf(out, "Phase:    %s\n", orNone(string(app.Status.Phase)))
		fmt.Fprintf(out, "Message:  %s\n", orNone(app.Status.Message))
		if app.Spec.WasmArtifact != nil {
			fmt.Fprintf(out, "Artifact: %s\n", app.Spec.WasmArtifact.Reference)
		} else {
			fmt.Fprintf(out, "Module:   %d inline bytes\n", len(app.Spec.WasmBytes))
		}

		if len(app.Status.DeviceStatuses) == 0 {
			fmt.Fprintln(out, "No device statuses recorded")
			return nil
		}

		names := make([]string, 0, len(app.Status.DeviceStatuses))
		for name := range app.Status.DeviceStatuses {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEVICE\tPHASE\tRESTARTS\tLAST UPDATE\tERROR")
		for _, name := range names {
			entry := app.Status.DeviceStatuses[name]
			updated := "<none>"
			if entry.LastUpdated != nil {
				updated = entry.LastUpdated.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				name, string(entry.Phase), entry.RestartCount, updated, orNone(entry.Error))
		}
		return tw.Flush()
	},
}

var describeDeviceCmd = &cobra.Command{
	Use:   "device NAME",
	Short: "Show a device's connection state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var device apiv1alpha1.Device
		key := types.NamespacedName{Name: args[0], Namespace: namespace}
		if err := c.Get(cmd.Context(), key, &device); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Name:      %s\n", device.Name)
		fmt.Fprintf(out, "Phase:     %s\n", orNone(string(device.Status.Phase)))
		fmt.Fprintf(out, "DeviceID:  %s\n", orNone(device.Status.DeviceID))
		fmt.Fprintf(out, "Type:      %s\n", orNone(device.Spec.DeviceType))
		fmt.Fprintf(out, "Gateway:   %s\n", orNone(device.Status.AssignedGateway))
		if device.Status.ConnectedSince != nil {
			fmt.Fprintf(out, "Connected: %s\n", device.Status.ConnectedSince.Format(time.RFC3339))
		}
		if device.Status.LastHeartbeat != nil {
			fmt.Fprintf(out, "Heartbeat: %s\n", device.Status.LastHeartbeat.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(describeCmd)
	describeCmd.AddCommand(describeApplicationCmd)
	describeCmd.AddCommand(describeDeviceCmd)
}

package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/controller-runtime/pkg/client"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
)

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Display fleet resources",
}

var getDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var list apiv1alpha1.DeviceList
		if err := c.List(cmd.Context(), &list, client.InNamespace(namespace)); err != nil {
			return err
		}
		if len(list.Items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No devices found")
			return nil
		}
		sort.Slice(list.Items, func(i, j int) bool { return list.Items[i].Name < list.Items[j].Name })

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tPHASE\tTYPE\tGATEWAY\tLAST HEARTBEAT\tLABELS")
		for _, d := range list.Items {
			heartbeat := "<none>"
			if d.Status.LastHeartbeat != nil {
				heartbeat = d.Status.LastHeartbeat.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				d.Name,
				orNone(string(d.Status.Phase)),
				orNone(d.Spec.DeviceType),
				orNone(d.Status.AssignedGateway),
				heartbeat,
				renderLabels(d.Labels),
			)
		}
		return tw.Flush()
	},
}

var getApplicationsCmd = &cobra.Command{
	Use:     "applications",
	Aliases: []string{"apps"},
	Short:   "List applications",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var list apiv1alpha1.ApplicationList
		if err := c.List(cmd.Context(), &list, client.InNamespace(namespace)); err != nil {
			return err
		}
		if len(list.Items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No applications found")
			return nil
		}
		sort.Slice(list.Items, func(i, j int) bool { return list.Items[i].Name < list.Items[j].Name })

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tPHASE\tDEVICES\tRUNNING\tFAILED\tMESSAGE")
		for _, a := range list.Items {
			stats := a.Status.Statistics
			if stats == nil {
				stats = &apiv1alpha1.ApplicationStatistics{}
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
				a.Name,
				orNone(string(a.Status.Phase)),
				stats.TotalDevices,
				stats.RunningDevices,
				stats.FailedDevices,
				orNone(a.Status.Message),
			)
		}
		return tw.Flush()
	},
}

var getGatewaysCmd = &cobra.Command{
	Use:   "gateways",
	Short: "List gateways",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var list apiv1alpha1.GatewayList
		if err := c.List(cmd.Context(), &list, client.InNamespace(namespace)); err != nil {
			return err
		}
		if len(list.Items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No gateways found")
			return nil
		}
		sort.Slice(list.Items, func(i, j int) bool { return list.Items[i].Name < list.Items[j].Name })

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tENDPOINT\tCONNECTED\tENROLLED")
		for _, g := range list.Items {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n",
				g.Name,
				orNone(g.Spec.Endpoint),
				g.Status.ConnectedDevices,
				g.Status.EnrolledDevices,
			)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.AddCommand(getDevicesCmd)
	getCmd.AddCommand(getApplicationsCmd)
	getCmd.AddCommand(getGatewaysCmd)
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "<none>"
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

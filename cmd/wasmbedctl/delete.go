package main

import (
	"fmt"

	"github.com/spf13/cobra"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete fleet resources",
}

var deleteApplicationCmd = &cobra.Command{
	Use:     "application NAME",
	Aliases: []string{"app"},
	Short:   "Delete an application, stopping it on all reachable devices first",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		app := apiv1alpha1.Application{
			ObjectMeta: metav1.ObjectMeta{Name: args[0], Namespace: namespace},
		}
		if err := c.Delete(cmd.Context(), &app); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "application %s deleted\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.AddCommand(deleteApplicationCmd)
}

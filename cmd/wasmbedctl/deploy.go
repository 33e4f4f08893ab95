package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
)

var (
	deployWasmFile string
	deployArtifact string
	deployChecksum string
	deployDevices  []string
	deploySelector []string
)

var deployCmd = &cobra.Command{
	Use:   "deploy NAME",
	Short: "Create an application and roll it out to target devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if deployWasmFile == "" && deployArtifact == "" {
			return fmt.Errorf("one of --wasm-file or --artifact is required")
		}
		if deployWasmFile != "" && deployArtifact != "" {
			return fmt.Errorf("--wasm-file and --artifact are mutually exclusive")
		}
		if len(deployDevices) == 0 && len(deploySelector) == 0 {
			return fmt.Errorf("one of --device or --selector is required")
		}

		spec := apiv1alpha1.ApplicationSpec{DeviceNames: deployDevices}

		if deployWasmFile != "" {
			data, err := os.ReadFile(deployWasmFile)
			if err != nil {
				return err
			}
			spec.WasmBytes = data
		} else {
			spec.WasmArtifact = &apiv1alpha1.WasmArtifact{
				Reference:      deployArtifact,
				ChecksumSHA256: deployChecksum,
			}
		}

		if len(deploySelector) > 0 {
			matchLabels := make(map[string]string, len(deploySelector))
			for _, pair := range deploySelector {
				k, v, ok := strings.Cut(pair, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid selector %q, expected key=value", pair)
				}
				matchLabels[k] = v
			}
			spec.TargetSelector = &metav1.LabelSelector{MatchLabels: matchLabels}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		app := apiv1alpha1.Application{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
			Spec:       spec,
		}
		if err := c.Create(cmd.Context(), &app); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "application %s created\n", name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().StringVar(&deployWasmFile, "wasm-file", "", "Path to a WASM module to embed inline")
	deployCmd.Flags().StringVar(&deployArtifact, "artifact", "", "OCI reference of the WASM module")
	deployCmd.Flags().StringVar(&deployChecksum, "checksum", "", "SHA-256 checksum the pulled module must match")
	deployCmd.Flags().StringSliceVar(&deployDevices, "device", nil, "Target device name (repeatable)")
	deployCmd.Flags().StringSliceVar(&deploySelector, "selector", nil, "Target device label selector, key=value (repeatable)")
}

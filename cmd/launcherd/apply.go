package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/edgelauncher/pkg/model"
)

// applyCmd offline-validates a goal-state YAML file against the rules
// RunInstances enforces at its public surface (spec §4.1,
// "fails-fast with InvalidArgument"), plus a duplicate-identity check
// that RunInstances does not make, without requiring a running
// launcherd process to talk to: the core has no wire protocol (spec
// §6), so a live "apply" against a remote node is a control-plane
// concern outside this repository's scope. This command is the local
// equivalent of a dry run before dropping the file where `serve`'s
// goalStateFile config key will pick it up.
var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Validate a goal-state YAML file without applying it",
	Long: `apply parses a goal-state file (the same shape accepted by
serve's goalStateFile config key) and reports whether it would be
accepted by RunInstances: malformed instance identities, references to
services absent from the file, and counts against configured maxima.
It also rejects duplicate instance identities, which RunInstances
itself does not check.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "Goal-state YAML file to validate (required)")
	applyCmd.Flags().Int("max-instances", model.DefaultLimits.MaxInstances, "Maximum instance count")
	applyCmd.Flags().Int("max-services", model.DefaultLimits.MaxServices, "Maximum service count")
	applyCmd.Flags().Int("max-layers", model.DefaultLimits.MaxLayers, "Maximum layer count")
	_ = applyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	maxInstances, _ := cmd.Flags().GetInt("max-instances")
	maxServices, _ := cmd.Flags().GetInt("max-services")
	maxLayers, _ := cmd.Flags().GetInt("max-layers")

	gs, err := loadGoalState(filename)
	if err != nil {
		return err
	}
	services, layers, instances := gs.toModel()

	if len(instances) > maxInstances {
		return fmt.Errorf("instance count %d exceeds maximum %d", len(instances), maxInstances)
	}
	if len(services) > maxServices {
		return fmt.Errorf("service count %d exceeds maximum %d", len(services), maxServices)
	}
	if len(layers) > maxLayers {
		return fmt.Errorf("layer count %d exceeds maximum %d", len(layers), maxLayers)
	}

	known := make(map[string]struct{}, len(services))
	for _, svc := range services {
		known[svc.ServiceID] = struct{}{}
	}

	seen := make(map[model.InstanceIdent]struct{}, len(instances))
	for _, info := range instances {
		if !info.Valid() {
			return fmt.Errorf("instance %s has malformed identity or missing paths", info.Ident)
		}
		if _, ok := known[info.Ident.ServiceID]; !ok {
			return fmt.Errorf("instance %s references service %q absent from services", info.Ident, info.Ident.ServiceID)
		}
		if _, dup := seen[info.Ident]; dup {
			return fmt.Errorf("duplicate instance identity %s", info.Ident)
		}
		seen[info.Ident] = struct{}{}
	}

	fmt.Printf("valid: %d service(s), %d layer(s), %d instance(s)\n", len(services), len(layers), len(instances))
	for _, info := range instances {
		fmt.Printf("  %s priority=%d uid=%d cpu=%.2f mem=%d\n",
			info.Ident, info.Priority, info.UID, info.Limits.CPUCores, info.Limits.MemoryBytes)
	}
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/howard-nolan/edgeproxy/internal/dispatch"
	"github.com/howard-nolan/edgeproxy/internal/provider"
)

var candidatesFlags struct {
	model  string
	asJSON bool
}

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Print the fallback order",
	Long: `Print the (provider, model) pairs a prompt would be tried against, in order.

No provider is contacted. Groups without a credential are listed as skipped.`,
	Example: `  edgeproxy candidates
  edgeproxy candidates --model mistralai/mistral-7b-instruct:free --json`,
	Args: cobra.NoArgs,
	RunE: runCandidates,
}

func init() {
	rootCmd.AddCommand(candidatesCmd)

	candidatesCmd.Flags().StringVarP(&candidatesFlags.model, "model", "m", "", "preferred model hint")
	candidatesCmd.Flags().BoolVar(&candidatesFlags.asJSON, "json", false, "print JSON instead of a table")
}

func runCandidates(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := provider.NewRegistry(cfg.Providers)
	if err != nil {
		return err
	}

	candidates := dispatch.New(cfg, registry, nil, nil).Candidates(candidatesFlags.model)
	if candidates == nil {
		candidates = []dispatch.Candidate{}
	}

	out := cmd.OutOrStdout()
	if candidatesFlags.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(candidates)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPROVIDER\tMODEL")
	for i, c := range candidates {
		model := c.Model
		if model == "" {
			model = "(default)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, c.Provider, model)
	}
	for _, name := range cfg.Dispatch.Order {
		if _, ok := registry[name]; !ok {
			fmt.Fprintf(tw, "-\t%s\tskipped (no credential)\n", name)
		}
	}
	return tw.Flush()
}

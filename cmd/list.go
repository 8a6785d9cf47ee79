package cmd

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-scenario-composer/internal/config"
	"github.com/deploymenttheory/go-scenario-composer/internal/scenario"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List scenarios and their platforms",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := config.Instance.Scenario.BaseDir
		names, err := scenario.Discover(baseDir)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Scenario", "Driver", "Platforms", "Sequences"})
		for _, name := range names {
			s, err := scenario.LoadNamed(baseDir, name)
			if err != nil {
				t.AppendRow(table.Row{name, "", "", "error: " + err.Error()})
				continue
			}
			platforms := make([]string, 0, len(s.Platforms))
			for _, p := range s.Platforms {
				platforms = append(platforms, p.Name)
			}
			t.AppendRow(table.Row{s.Name, s.Driver.Name, strings.Join(platforms, ", "), strings.Join(s.Actions(), ", ")})
		}
		t.Render()
		return nil
	},
}

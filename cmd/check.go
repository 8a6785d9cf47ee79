package cmd

import (
	"fmt"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a scenario and its playbooks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadScenario()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scenario %s is valid (%d platforms, driver %s)\n", s.Name, len(s.Platforms), s.Driver.Name)
		return nil
	},
}

func init() {
	addScenarioFlag(checkCmd)
}

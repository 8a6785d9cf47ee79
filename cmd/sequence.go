package cmd

import (
	"fmt"
	"github.com/spf13/cobra"
)

var sequenceCmd = &cobra.Command{
	Use:   "sequence [action]",
	Short: "Print the phases an action runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "test"
		if len(args) == 1 {
			action = args[0]
		}

		s, err := loadScenario()
		if err != nil {
			return err
		}
		seq, err := s.SequenceFor(action)
		if err != nil {
			return err
		}
		for i, phase := range seq {
			playbook := s.PlaybookFor(phase)
			if playbook == "" {
				playbook = "-"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d. %-12s %s\n", i+1, phase, playbook)
		}
		return nil
	},
}

func init() {
	addScenarioFlag(sequenceCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/config"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
	"github.com/deploymenttheory/go-scenario-composer/internal/scenario"
)

func addScenarioFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("scenario-name", "s", "default", "Name of the scenario to target")
}

// loadScenario loads and validates the configured scenario
func loadScenario() (*scenario.Scenario, error) {
	s, err := scenario.LoadNamed(config.Instance.Scenario.BaseDir, config.Instance.Scenario.Name)
	if err != nil {
		return nil, err
	}

	if errs := scenario.Validate(s); len(errs) > 0 {
		for _, err := range errs {
			logger.LogError("Scenario validation error", err, map[string]interface{}{"scenario": s.Name})
		}
		return nil, fmt.Errorf("%w: %s has %d validation errors", errors.ErrScenarioInvalid, s.Name, len(errs))
	}
	return s, nil
}

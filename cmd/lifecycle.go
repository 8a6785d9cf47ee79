package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-scenario-composer/internal/config"
	"github.com/deploymenttheory/go-scenario-composer/internal/driver"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
	"github.com/deploymenttheory/go-scenario-composer/internal/playbook"
	"github.com/deploymenttheory/go-scenario-composer/internal/runner"
)

type lifecycleAction struct {
	use    string
	action string
	short  string
}

var lifecycleActions = []lifecycleAction{
	{"test", "test", "Run the full test sequence"},
	{"dependency", "dependency", "Run the dependency playbook"},
	{"create", "create", "Create the scenario platforms"},
	{"prepare", "prepare", "Run the prepare playbook"},
	{"converge", "converge", "Create the platforms and run the converge playbook"},
	{"idempotence", "idempotence", "Re-run converge and fail if anything changed"},
	{"side-effect", "side_effect", "Run the side effect playbook"},
	{"verify", "verify", "Run the verification playbook"},
	{"cleanup", "cleanup", "Run the cleanup playbook"},
	{"destroy", "destroy", "Destroy the scenario platforms"},
}

func newLifecycleCmd(a lifecycleAction) *cobra.Command {
	cmd := &cobra.Command{
		Use:   a.use,
		Short: a.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, a.action)
		},
	}
	addScenarioFlag(cmd)
	cmd.Flags().String("destroy", config.DestroyAlways, "Destroy strategy when a sequence fails: always or never")
	return cmd
}

func runAction(cmd *cobra.Command, action string) error {
	s, err := loadScenario()
	if err != nil {
		return err
	}

	d, err := driver.New(s, driver.Options{
		DockerHost:  config.Instance.Docker.Host,
		Compression: config.Instance.Image.Compression,
		Out:         progressOutput(),
	})
	if err != nil {
		return err
	}

	executor := playbook.NewExecutor(cmd.OutOrStdout())
	executor.CacheDir = config.Instance.CacheDir

	logger.LogInfo("Running scenario", map[string]interface{}{
		"scenario": s.Name,
		"action":   action,
		"destroy":  config.Instance.Scenario.Destroy,
	})

	report, err := runner.New(d, executor, config.Instance.Scenario.Destroy).Run(cmd.Context(), s, action)
	if report != nil {
		report.Render(cmd.OutOrStdout())
	}
	return err
}

// progressOutput receives docker build and pull progress, shown in debug mode
func progressOutput() io.Writer {
	if config.Instance.Debug {
		return os.Stderr
	}
	return io.Discard
}

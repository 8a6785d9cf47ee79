// Package runner drives a scenario through the phases of a sequence.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/config"
	"github.com/deploymenttheory/go-scenario-composer/internal/driver"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
	"github.com/deploymenttheory/go-scenario-composer/internal/playbook"
	"github.com/deploymenttheory/go-scenario-composer/internal/scenario"
)

// PhaseError identifies the phase that halted a sequence
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() []error {
	return []error{errors.ErrPhaseFailed, e.Err}
}

// Runner runs scenario sequences
type Runner struct {
	driver   driver.Driver
	executor *playbook.Executor
	destroy  string
}

// New returns a runner. destroy is the destroy strategy, always or never.
func New(d driver.Driver, executor *playbook.Executor, destroy string) *Runner {
	if destroy == "" {
		destroy = config.DestroyAlways
	}
	return &Runner{driver: d, executor: executor, destroy: destroy}
}

// Run executes the sequence for action. The first failing phase halts the
// sequence; with the always strategy a pending destroy phase still runs.
func (r *Runner) Run(ctx context.Context, s *scenario.Scenario, action string) (*Report, error) {
	seq, err := s.SequenceFor(action)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Scenario: s.Name,
		Action:   action,
		Sequence: append([]string(nil), seq...),
	}

	logger.LogInfo("Starting scenario sequence", map[string]interface{}{
		"scenario": s.Name,
		"action":   action,
		"sequence": seq,
		"driver":   r.driver.Name(),
	})

	var result *multierror.Error
	for i, phase := range seq {
		phaseResult := r.runPhase(ctx, s, phase)
		report.Phases = append(report.Phases, phaseResult)
		if phaseResult.Err == nil {
			continue
		}

		result = multierror.Append(result, &PhaseError{Phase: phase, Err: phaseResult.Err})
		remaining := seq[i+1:]

		if r.destroy == config.DestroyAlways && phase != scenario.PhaseDestroy && remaining.Contains(scenario.PhaseDestroy) {
			logger.LogWarn("Sequence failed, running destroy before exiting", map[string]interface{}{
				"scenario": s.Name,
				"phase":    phase,
			})
			for _, p := range remaining {
				if p != scenario.PhaseDestroy {
					report.Phases = append(report.Phases, PhaseResult{Phase: p, Status: StatusSkipped})
				}
			}
			destroyResult := r.runPhase(context.WithoutCancel(ctx), s, scenario.PhaseDestroy)
			report.Phases = append(report.Phases, destroyResult)
			if destroyResult.Err != nil {
				result = multierror.Append(result, &PhaseError{Phase: scenario.PhaseDestroy, Err: destroyResult.Err})
			}
		} else {
			for _, p := range remaining {
				report.Phases = append(report.Phases, PhaseResult{Phase: p, Status: StatusSkipped})
			}
		}
		break
	}

	if err := result.ErrorOrNil(); err != nil {
		logger.LogError("Scenario sequence failed", err, map[string]interface{}{
			"scenario": s.Name,
			"action":   action,
		})
		return report, err
	}

	logger.LogInfo("Scenario sequence completed successfully", map[string]interface{}{
		"scenario": s.Name,
		"action":   action,
	})
	return report, nil
}

func (r *Runner) runPhase(ctx context.Context, s *scenario.Scenario, phase string) PhaseResult {
	started := time.Now()
	res := PhaseResult{Phase: phase}

	logger.LogInfo(fmt.Sprintf("Running phase %s", phase), map[string]interface{}{"scenario": s.Name})

	path := s.PlaybookFor(phase)
	switch {
	case path == "" && scenario.IsDriverPhase(phase):
		res.Target = r.driver.Name()
		if phase == scenario.PhaseCreate {
			res.Err = r.driver.Create(ctx, s.Platforms)
		} else {
			res.Err = r.driver.Destroy(ctx, s.Platforms)
		}

	case path == "" && scenario.IsOptionalPhase(phase):
		logger.LogInfo(fmt.Sprintf("Skipping phase %s (no playbook)", phase), nil)
		res.Status = StatusSkipped
		res.Duration = time.Since(started)
		return res

	case path == "":
		res.Err = fmt.Errorf("%w: no playbook for phase %s", errors.ErrPlaybookNotFound, phase)

	default:
		res.Target = path
		res.Err = r.runPlaybook(ctx, s, phase, path, &res)
	}

	res.Duration = time.Since(started)
	if res.Err != nil {
		res.Status = StatusFailed
	} else {
		res.Status = StatusOK
	}
	return res
}

// runPlaybook runs the phase playbook against every platform in turn
func (r *Runner) runPlaybook(ctx context.Context, s *scenario.Scenario, phase, path string, res *PhaseResult) error {
	pb, err := playbook.Load(path)
	if err != nil {
		return err
	}

	r.executor.Env = s.Provisioner.Env
	r.executor.GatherFacts = true
	for _, platform := range s.Platforms {
		conn, err := r.driver.Connect(ctx, platform)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errors.ErrConnectionFailed, platform.Name, err)
		}

		vars := s.Vars()
		vars["phase"] = phase
		vars["platform"] = platform.Name

		result, err := r.executor.Run(ctx, pb, conn, vars)
		conn.Close()
		if result != nil {
			res.Tasks += len(result.Tasks)
			res.Changed += result.Count(playbook.StatusChanged)
		}
		if err != nil {
			return err
		}

		if phase == scenario.PhaseIdempotence {
			if changed := result.Count(playbook.StatusChanged); changed > 0 {
				return fmt.Errorf("%w: %d tasks changed on %s", errors.ErrNotIdempotent, changed, platform.Name)
			}
		}
	}
	return nil
}

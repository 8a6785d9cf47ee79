package scenario

import (
	"fmt"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/fsutil"
)

// Phases the driver performs itself when no playbook overrides them
var driverPhases = map[string]bool{
	PhaseCreate:  true,
	PhaseDestroy: true,
}

// Phases that are silently skipped when no playbook is declared
var optionalPhases = map[string]bool{
	PhaseDependency: true,
	PhasePrepare:    true,
	PhaseCleanup:    true,
}

// Validate checks the scenario structure and returns every problem found
func Validate(s *Scenario) []error {
	var errs []error

	if s.Name == "" {
		errs = append(errs, fmt.Errorf("%w: scenario name is required", errors.ErrScenarioInvalid))
	}

	switch s.Driver.Name {
	case "docker", "delegated":
	default:
		errs = append(errs, fmt.Errorf("%w: %q", errors.ErrUnsupportedDriver, s.Driver.Name))
	}

	if len(s.Platforms) == 0 {
		errs = append(errs, fmt.Errorf("%w: at least one platform is required", errors.ErrScenarioInvalid))
	}

	seen := make(map[string]bool)
	for i, p := range s.Platforms {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%w: platform %d: name is required", errors.ErrScenarioInvalid, i+1))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("%w: %s", errors.ErrDuplicatePlatform, p.Name))
		}
		seen[p.Name] = true

		errs = append(errs, validatePlatform(s, p)...)
	}

	for _, action := range s.Actions() {
		for _, phase := range s.Sequences[action] {
			if !isKnownPhase(phase) {
				errs = append(errs, fmt.Errorf("%w: %q in %s sequence", errors.ErrUnknownPhase, phase, action))
			}
		}
	}

	errs = append(errs, validatePlaybooks(s)...)

	return errs
}

func validatePlatform(s *Scenario, p Platform) []error {
	var errs []error

	if s.Driver.Name == "docker" && p.Image == "" && p.Dockerfile == "" {
		errs = append(errs, fmt.Errorf("%w: platform %s: image or dockerfile is required", errors.ErrScenarioInvalid, p.Name))
	}

	if s.Driver.Name == "delegated" {
		switch p.Connection.Type {
		case "", "local":
		case "ssh":
			if p.Connection.Host == "" {
				errs = append(errs, fmt.Errorf("%w: platform %s: ssh connection requires a host", errors.ErrScenarioInvalid, p.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("%w: platform %s: %q", errors.ErrUnsupportedConnection, p.Name, p.Connection.Type))
		}
	}

	if p.Dockerfile != "" {
		path := fsutil.ResolvePath(s.Dir, p.Dockerfile)
		if !fsutil.FileExists(path) {
			errs = append(errs, fmt.Errorf("%w: platform %s: dockerfile %s", errors.ErrFileNotFound, p.Name, path))
		}
	}
	return errs
}

// validatePlaybooks checks that every declared playbook exists and that every
// phase used by a sequence can actually be carried out.
func validatePlaybooks(s *Scenario) []error {
	var errs []error

	for phase := range s.Provisioner.Playbooks {
		if !isKnownPhase(phase) {
			errs = append(errs, fmt.Errorf("%w: playbook declared for %q", errors.ErrUnknownPhase, phase))
			continue
		}
		path := s.PlaybookFor(phase)
		if path == "" {
			continue
		}
		if !fsutil.FileExists(path) {
			errs = append(errs, fmt.Errorf("%w: %s playbook %s", errors.ErrPlaybookNotFound, phase, path))
		}
	}

	used := make(map[string]bool)
	for _, seq := range s.Sequences {
		for _, phase := range seq {
			used[phase] = true
		}
	}

	for _, phase := range KnownPhases {
		if !used[phase] || driverPhases[phase] || optionalPhases[phase] {
			continue
		}
		if s.PlaybookFor(phase) == "" {
			errs = append(errs, fmt.Errorf("%w: phase %s is used by a sequence but has no playbook", errors.ErrPlaybookNotFound, phase))
		}
	}

	return errs
}

// IsDriverPhase reports whether the driver handles phase when no playbook is set
func IsDriverPhase(phase string) bool {
	return driverPhases[phase]
}

// IsOptionalPhase reports whether phase is skipped when no playbook is set
func IsOptionalPhase(phase string) bool {
	return optionalPhases[phase]
}

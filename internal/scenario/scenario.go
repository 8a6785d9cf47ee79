package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/envutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/fsutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/yamlutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
)

// Scenario file names, in lookup order
var scenarioFileNames = []string{"scenario.yml", "scenario.yaml", "molecule.yml"}

const (
	// DefaultDriver is used when the scenario names none
	DefaultDriver = "docker"

	// DefaultRetries bounds health polling when a platform sets none
	DefaultRetries = 3

	sequenceSuffix = "_sequence"
)

// DefaultSequences returns the sequences used when a scenario omits them
func DefaultSequences() map[string]Sequence {
	return map[string]Sequence{
		"test":     {PhaseDestroy, PhaseCreate, PhasePrepare, PhaseConverge, PhaseVerify, PhaseDestroy},
		"create":   {PhaseCreate, PhasePrepare},
		"converge": {PhaseCreate, PhasePrepare, PhaseConverge},
		"destroy":  {PhaseDestroy},
	}
}

// Load reads a scenario file, interpolating environment variables before decoding
func Load(filePath string) (*Scenario, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrScenarioNotFound, filePath, err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrScenarioNotFound, filePath)
		}
		return nil, fmt.Errorf("error reading scenario file: %w", err)
	}

	expanded, err := envutil.ExpandEnv(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}

	var doc document
	if err := yamlutil.DecodeStrict([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrScenarioParse, filePath, err)
	}

	s, err := fromDocument(&doc, absPath)
	if err != nil {
		return nil, err
	}

	logger.LogDebug("Loaded scenario", map[string]interface{}{
		"scenario":  s.Name,
		"file":      s.File,
		"platforms": len(s.Platforms),
	})
	return s, nil
}

// LoadNamed loads <baseDir>/<name>/scenario.yml (or molecule.yml)
func LoadNamed(baseDir, name string) (*Scenario, error) {
	file, ok := findScenarioFile(filepath.Join(baseDir, name))
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", errors.ErrScenarioNotFound, name, baseDir)
	}
	return Load(file)
}

// Discover returns the sorted names of scenarios found under baseDir
func Discover(baseDir string) ([]string, error) {
	dirs, err := fsutil.ListDirs(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: directory %s does not exist", errors.ErrScenarioNotFound, baseDir)
		}
		return nil, err
	}

	var names []string
	for _, dir := range dirs {
		if _, ok := findScenarioFile(filepath.Join(baseDir, dir)); ok {
			names = append(names, dir)
		}
	}
	return names, nil
}

func findScenarioFile(dir string) (string, bool) {
	for _, name := range scenarioFileNames {
		candidate := filepath.Join(dir, name)
		if fsutil.FileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func fromDocument(doc *document, absPath string) (*Scenario, error) {
	dir := filepath.Dir(absPath)

	s := &Scenario{
		Name:        doc.Scenario.Name,
		Dir:         dir,
		File:        absPath,
		Sequences:   DefaultSequences(),
		Driver:      doc.Driver,
		Platforms:   doc.Platforms,
		Provisioner: doc.Provisioner,
		Verifier:    doc.Verifier,
	}

	if s.Name == "" {
		s.Name = filepath.Base(dir)
	}
	if s.Driver.Name == "" {
		s.Driver.Name = DefaultDriver
	}
	if s.Provisioner.Name == "" {
		s.Provisioner.Name = "tasks"
	}
	if s.Verifier.Name == "" {
		s.Verifier.Name = s.Provisioner.Name
	}

	for key, phases := range doc.Scenario.Sequences {
		if !strings.HasSuffix(key, sequenceSuffix) {
			return nil, fmt.Errorf("%w: unknown scenario key %q", errors.ErrScenarioParse, key)
		}
		s.Sequences[strings.TrimSuffix(key, sequenceSuffix)] = Sequence(phases)
	}

	for i := range s.Platforms {
		if s.Platforms[i].Retries <= 0 {
			s.Platforms[i].Retries = DefaultRetries
		}
	}

	return s, nil
}

// SequenceFor returns the phases run by action. Actions without a declared
// sequence that name a known phase run that phase alone.
func (s *Scenario) SequenceFor(action string) (Sequence, error) {
	if seq, ok := s.Sequences[action]; ok {
		return seq, nil
	}
	if isKnownPhase(action) {
		return Sequence{action}, nil
	}
	return nil, fmt.Errorf("%w: %s", errors.ErrUnknownSequence, action)
}

// Actions returns the sorted names of all declared sequences
func (s *Scenario) Actions() []string {
	actions := make([]string, 0, len(s.Sequences))
	for name := range s.Sequences {
		actions = append(actions, name)
	}
	sort.Strings(actions)
	return actions
}

// PlaybookFor returns the absolute playbook path for phase, or "" when the
// scenario declares none. The idempotence phase reuses the converge playbook.
func (s *Scenario) PlaybookFor(phase string) string {
	if phase == PhaseIdempotence {
		phase = PhaseConverge
	}
	file, ok := s.Provisioner.Playbooks[phase]
	if !ok || file == "" {
		return ""
	}
	return fsutil.ResolvePath(s.Dir, file)
}

// Vars returns a fresh copy of the inventory variables with the scenario
// built-ins added. Callers may mutate the result freely.
func (s *Scenario) Vars() map[string]interface{} {
	vars := make(map[string]interface{}, len(s.Provisioner.Inventory.Vars)+2)
	for k, v := range s.Provisioner.Inventory.Vars {
		vars[k] = v
	}
	vars["scenario_name"] = s.Name
	vars["scenario_dir"] = s.Dir
	return vars
}

func isKnownPhase(phase string) bool {
	for _, p := range KnownPhases {
		if p == phase {
			return true
		}
	}
	return false
}

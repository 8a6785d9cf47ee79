package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleScenario = `
scenario:
  test_sequence:
    - create
    - prepare
    - converge
    - verify
    - destroy
driver:
  name: docker
platforms:
  - name: aiida-${AIIDA_TEST_BACKEND:-core.psql_dos}
    image: molecule_tests
    privileged: true
provisioner:
  name: tasks
  inventory:
    vars:
      aiida_backend: ${AIIDA_TEST_BACKEND:-core.psql_dos}
      aiida_workers: ${AIIDA_TEST_WORKERS:-2}
      aiida_query_stats: true
  playbooks:
    prepare: prepare.yml
    converge: converge.yml
    verify: verify.yml
`

func unsetenv(t *testing.T, key string) {
	t.Helper()
	prev, had := os.LookupEnv(key)
	require.NoError(t, os.Unsetenv(key))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, prev)
		} else {
			os.Unsetenv(key)
		}
	})
}

func writeScenario(t *testing.T, content string, playbooks ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "default")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scenario.yml"), []byte(content), 0o644))
	for _, pb := range playbooks {
		require.NoError(t, os.WriteFile(filepath.Join(dir, pb), []byte("- name: noop\n  command: \"true\"\n"), 0o644))
	}
	return filepath.Join(dir, "scenario.yml")
}

func TestLoadUsesDefaultBackendWhenSelectorUnset(t *testing.T) {
	unsetenv(t, "AIIDA_TEST_BACKEND")
	unsetenv(t, "AIIDA_TEST_WORKERS")

	s, err := Load(writeScenario(t, sampleScenario))
	require.NoError(t, err)

	require.Len(t, s.Platforms, 1)
	assert.Equal(t, "aiida-core.psql_dos", s.Platforms[0].Name)
	assert.Equal(t, "core.psql_dos", s.Provisioner.Inventory.Vars["aiida_backend"])
	assert.Equal(t, 2, s.Provisioner.Inventory.Vars["aiida_workers"])
	assert.Equal(t, true, s.Provisioner.Inventory.Vars["aiida_query_stats"])
	assert.Equal(t, DefaultRetries, s.Platforms[0].Retries)
	assert.Equal(t, "default", s.Name)
}

func TestLoadHonoursBackendSelector(t *testing.T) {
	t.Setenv("AIIDA_TEST_BACKEND", "core.sqlite_dos")
	t.Setenv("AIIDA_TEST_WORKERS", "4")

	s, err := Load(writeScenario(t, sampleScenario))
	require.NoError(t, err)

	assert.Equal(t, "aiida-core.sqlite_dos", s.Platforms[0].Name)
	assert.Equal(t, 4, s.Provisioner.Inventory.Vars["aiida_workers"])
}

func TestSequences(t *testing.T) {
	s, err := Load(writeScenario(t, sampleScenario))
	require.NoError(t, err)

	seq, err := s.SequenceFor("test")
	require.NoError(t, err)
	assert.Equal(t, Sequence{"create", "prepare", "converge", "verify", "destroy"}, seq)

	seq, err = s.SequenceFor("destroy")
	require.NoError(t, err)
	assert.Equal(t, Sequence{"destroy"}, seq)

	seq, err = s.SequenceFor("verify")
	require.NoError(t, err)
	assert.Equal(t, Sequence{"verify"}, seq)

	_, err = s.SequenceFor("deploy")
	assert.ErrorIs(t, err, errors.ErrUnknownSequence)

	assert.Equal(t, []string{"converge", "create", "destroy", "test"}, s.Actions())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeScenario(t, "scenario:\n  test_order: [create]\n"))
	assert.ErrorIs(t, err, errors.ErrScenarioParse)

	_, err = Load(writeScenario(t, "platforms: []\nunexpected: true\n"))
	assert.ErrorIs(t, err, errors.ErrScenarioParse)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.ErrorIs(t, err, errors.ErrScenarioNotFound)
}

func TestValidateEveryPhaseMapsToExistingPlaybook(t *testing.T) {
	path := writeScenario(t, sampleScenario, "prepare.yml", "converge.yml", "verify.yml")
	s, err := Load(path)
	require.NoError(t, err)

	assert.Empty(t, Validate(s))

	for _, seq := range s.Sequences {
		for _, phase := range seq {
			if IsDriverPhase(phase) {
				continue
			}
			pb := s.PlaybookFor(phase)
			require.NotEmpty(t, pb, phase)
			assert.FileExists(t, pb)
		}
	}
}

func TestValidateReportsMissingPlaybook(t *testing.T) {
	path := writeScenario(t, sampleScenario, "prepare.yml", "converge.yml")
	s, err := Load(path)
	require.NoError(t, err)

	errs := Validate(s)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errors.ErrPlaybookNotFound)
	assert.Contains(t, errs[0].Error(), "verify.yml")
}

func TestValidateReportsPhaseWithoutPlaybook(t *testing.T) {
	content := `
scenario:
  test_sequence: [create, converge, side_effect, destroy]
platforms:
  - name: one
    image: alpine
  - name: one
    image: alpine
provisioner:
  playbooks:
    converge: converge.yml
`
	s, err := Load(writeScenario(t, content, "converge.yml"))
	require.NoError(t, err)

	errs := Validate(s)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], errors.ErrDuplicatePlatform)
	assert.ErrorIs(t, errs[1], errors.ErrPlaybookNotFound)
	assert.Contains(t, errs[1].Error(), "side_effect")
}

func TestValidateUnknownPhaseAndDriver(t *testing.T) {
	content := `
scenario:
  test_sequence: [create, lint, destroy]
driver:
  name: podman
platforms:
  - name: one
    image: alpine
provisioner:
  playbooks:
    converge: converge.yml
`
	s, err := Load(writeScenario(t, content, "converge.yml"))
	require.NoError(t, err)

	errs := Validate(s)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], errors.ErrUnsupportedDriver)
	assert.ErrorIs(t, errs[1], errors.ErrUnknownPhase)
}

func TestVarsIsACopy(t *testing.T) {
	s, err := Load(writeScenario(t, sampleScenario))
	require.NoError(t, err)

	vars := s.Vars()
	vars["aiida_backend"] = "mutated"
	vars["extra"] = 1

	assert.NotEqual(t, "mutated", s.Provisioner.Inventory.Vars["aiida_backend"])
	assert.NotContains(t, s.Provisioner.Inventory.Vars, "extra")
	assert.Equal(t, "default", vars["scenario_name"])
}

func TestDiscoverAndLoadNamed(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"default", "sqlite"} {
		dir := filepath.Join(base, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "molecule.yml"), []byte("platforms:\n  - name: "+name+"\n    image: alpine\n"), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(base, "shared"), 0o755))

	names, err := Discover(base)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "sqlite"}, names)

	s, err := LoadNamed(base, "sqlite")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.Name)
	assert.Equal(t, "sqlite", s.Platforms[0].Name)

	_, err = LoadNamed(base, "shared")
	assert.ErrorIs(t, err, errors.ErrScenarioNotFound)
}

func TestShippedExampleScenarioIsValid(t *testing.T) {
	unsetenv(t, "AIIDA_TEST_BACKEND")

	s, err := LoadNamed(filepath.Join("..", "..", "examples", "molecule"), "default")
	require.NoError(t, err)

	assert.Empty(t, Validate(s))
	assert.Equal(t, "aiida-core.psql_dos", s.Platforms[0].Name)

	seq, err := s.SequenceFor("test")
	require.NoError(t, err)
	assert.Equal(t, Sequence{"create", "prepare", "converge", "verify", "destroy"}, seq)
}

func TestValidateAllowsOptionalPhasesWithoutPlaybook(t *testing.T) {
	content := `
scenario:
  test_sequence: [dependency, create, prepare, converge, cleanup, destroy]
platforms:
  - name: one
    image: alpine
provisioner:
  playbooks:
    converge: converge.yml
`
	s, err := Load(writeScenario(t, content, "converge.yml"))
	require.NoError(t, err)

	assert.Empty(t, Validate(s))
	assert.True(t, IsOptionalPhase(PhaseDependency))
	assert.True(t, IsDriverPhase(PhaseCreate))
	assert.False(t, IsOptionalPhase(PhaseVerify))
}

package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/config"
	"github.com/deploymenttheory/go-scenario-composer/internal/connection"
	"github.com/deploymenttheory/go-scenario-composer/internal/playbook"
	"github.com/deploymenttheory/go-scenario-composer/internal/scenario"
)

type fakeDriver struct {
	calls      []string
	createErr  error
	destroyErr error
	conn       *fakeConn
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Create(_ context.Context, platforms []scenario.Platform) error {
	d.calls = append(d.calls, fmt.Sprintf("create:%d", len(platforms)))
	return d.createErr
}

func (d *fakeDriver) Destroy(_ context.Context, platforms []scenario.Platform) error {
	d.calls = append(d.calls, fmt.Sprintf("destroy:%d", len(platforms)))
	return d.destroyErr
}

func (d *fakeDriver) Connect(_ context.Context, p scenario.Platform) (connection.Connection, error) {
	d.calls = append(d.calls, "connect:"+p.Name)
	return d.conn, nil
}

type fakeConn struct {
	commands []string
	envs     []map[string]string
	failOn   string

	// remoteEnv answers the environment read made before each playbook
	remoteEnv string
	gathered  int
}

func (c *fakeConn) Name() string { return "instance" }

func (c *fakeConn) Exec(_ context.Context, cmd connection.Command) (*connection.Result, error) {
	if len(cmd.Argv) == 1 && cmd.Argv[0] == "env" {
		c.gathered++
		return &connection.Result{Stdout: c.remoteEnv, Output: c.remoteEnv}, nil
	}
	line := cmd.String()
	c.commands = append(c.commands, line)
	c.envs = append(c.envs, cmd.Env)
	if c.failOn != "" && line == c.failOn {
		return &connection.Result{RC: 1, Output: "boom"}, nil
	}
	return &connection.Result{Output: "ok"}, nil
}

func (c *fakeConn) Copy(context.Context, string, string) error { return nil }
func (c *fakeConn) Close() error                               { return nil }

const scenarioYAML = `
scenario:
  test_sequence: [create, prepare, converge, verify, destroy]
driver:
  name: delegated
platforms:
  - name: instance
provisioner:
  name: tasks
  playbooks:
    converge: converge.yml
    verify: verify.yml
`

func loadScenario(t *testing.T, content string) *scenario.Scenario {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"scenario.yml": content,
		"converge.yml": "- name: converge\n  command: echo converge\n",
		"verify.yml":   "- name: verify\n  command: echo verify\n",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	s, err := scenario.Load(filepath.Join(dir, "scenario.yml"))
	require.NoError(t, err)
	return s
}

func statuses(r *Report) []string {
	var out []string
	for _, p := range r.Phases {
		out = append(out, p.Phase+"="+string(p.Status))
	}
	return out
}

func TestRunExecutesPhasesInOrder(t *testing.T) {
	s := loadScenario(t, scenarioYAML)
	conn := &fakeConn{}
	d := &fakeDriver{conn: conn}

	report, err := New(d, playbook.NewExecutor(nil), config.DestroyAlways).Run(context.Background(), s, "test")
	require.NoError(t, err)

	assert.Equal(t, []string{"create:1", "connect:instance", "connect:instance", "destroy:1"}, d.calls)
	assert.Equal(t, []string{"echo converge", "echo verify"}, conn.commands)
	assert.Equal(t, []string{
		"create=ok", "prepare=skipped", "converge=ok", "verify=ok", "destroy=ok",
	}, statuses(report))
	assert.False(t, report.Failed())
}

func TestRunHaltsAndDestroysOnFailure(t *testing.T) {
	s := loadScenario(t, scenarioYAML)
	conn := &fakeConn{failOn: "echo converge"}
	d := &fakeDriver{conn: conn}

	report, err := New(d, playbook.NewExecutor(nil), config.DestroyAlways).Run(context.Background(), s, "test")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPhaseFailed)
	assert.ErrorIs(t, err, errors.ErrTaskFailed)

	assert.Equal(t, []string{"echo converge"}, conn.commands)
	assert.Equal(t, []string{"create:1", "connect:instance", "destroy:1"}, d.calls)
	assert.Equal(t, []string{
		"create=ok", "prepare=skipped", "converge=failed", "verify=skipped", "destroy=ok",
	}, statuses(report))
	assert.True(t, report.Failed())
}

func TestRunNeverStrategyLeavesPlatforms(t *testing.T) {
	s := loadScenario(t, scenarioYAML)
	d := &fakeDriver{conn: &fakeConn{failOn: "echo converge"}}

	report, err := New(d, playbook.NewExecutor(nil), config.DestroyNever).Run(context.Background(), s, "test")
	require.Error(t, err)
	assert.Equal(t, []string{"create:1", "connect:instance"}, d.calls)

	destroy, ok := report.Phase("destroy")
	require.True(t, ok)
	assert.Equal(t, StatusSkipped, destroy.Status)
}

func TestRunCombinesDestroyErrors(t *testing.T) {
	s := loadScenario(t, scenarioYAML)
	d := &fakeDriver{
		conn:       &fakeConn{},
		createErr:  fmt.Errorf("no daemon"),
		destroyErr: fmt.Errorf("still running"),
	}

	_, err := New(d, playbook.NewExecutor(nil), config.DestroyAlways).Run(context.Background(), s, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase create failed: no daemon")
	assert.Contains(t, err.Error(), "phase destroy failed: still running")
}

func TestRunSinglePhaseAction(t *testing.T) {
	s := loadScenario(t, scenarioYAML)
	conn := &fakeConn{}
	d := &fakeDriver{conn: conn}

	report, err := New(d, playbook.NewExecutor(nil), "").Run(context.Background(), s, "verify")
	require.NoError(t, err)
	assert.Equal(t, []string{"verify"}, report.Sequence)
	assert.Equal(t, []string{"echo verify"}, conn.commands)
}

func TestRunExtendsTargetSearchPath(t *testing.T) {
	s := loadScenario(t, scenarioYAML+"  env:\n    PYTHONPATH: /control/site\n")
	verify := `
- name: extend the search path
  set_fact:
    search_path: '{{ joinpath (lookup "target_env.PYTHONPATH") "/tmp/data/polish" }}'
- name: run with the extended path
  command: python -c 'import polish'
  environment:
    PYTHONPATH: "{{ .search_path }}"
`
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, "verify.yml"), []byte(verify), 0o644))

	conn := &fakeConn{remoteEnv: "HOME=/home/aiida\nPYTHONPATH=/existing/site\n"}
	d := &fakeDriver{conn: conn}

	_, err := New(d, playbook.NewExecutor(nil), "").Run(context.Background(), s, "verify")
	require.NoError(t, err)
	assert.Equal(t, 1, conn.gathered)
	require.Len(t, conn.envs, 1)
	assert.Equal(t, "/existing/site:/tmp/data/polish", conn.envs[0]["PYTHONPATH"])
}

func TestRunUnknownSequence(t *testing.T) {
	s := loadScenario(t, scenarioYAML)
	_, err := New(&fakeDriver{conn: &fakeConn{}}, playbook.NewExecutor(nil), "").Run(context.Background(), s, "deploy")
	assert.ErrorIs(t, err, errors.ErrUnknownSequence)
}

func TestIdempotenceFailsWhenConvergeChanges(t *testing.T) {
	s := loadScenario(t, scenarioYAML)
	d := &fakeDriver{conn: &fakeConn{}}

	_, err := New(d, playbook.NewExecutor(nil), "").Run(context.Background(), s, "idempotence")
	assert.ErrorIs(t, err, errors.ErrNotIdempotent)
}

func TestReportRender(t *testing.T) {
	r := &Report{
		Scenario: "default",
		Action:   "test",
		Phases: []PhaseResult{
			{Phase: "create", Status: StatusOK},
			{Phase: "converge", Status: StatusFailed, Err: fmt.Errorf("task failed\nwith details")},
		},
	}
	var buf bytes.Buffer
	r.Render(&buf)

	out := buf.String()
	assert.Contains(t, out, "default: test")
	assert.Contains(t, out, "converge")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "task failed")
	assert.NotContains(t, out, "with details")
}

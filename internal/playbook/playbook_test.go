package playbook

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/connection"
)

type fakeConn struct {
	mu       sync.Mutex
	commands []connection.Command
	copies   [][2]string
	respond  func(cmd connection.Command) (*connection.Result, error)
}

func (f *fakeConn) Name() string { return "aiida" }

func (f *fakeConn) Exec(_ context.Context, cmd connection.Command) (*connection.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(cmd)
	}
	out := "ran " + cmd.String() + "\n"
	return &connection.Result{Stdout: out, Output: out}, nil
}

func (f *fakeConn) Copy(_ context.Context, src, dest string) error {
	f.copies = append(f.copies, [2]string{src, dest})
	return nil
}

func (f *fakeConn) Close() error { return nil }

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func loadString(t *testing.T, content string) *Playbook {
	t.Helper()
	pb, err := Load(writeFile(t, t.TempDir(), "tasks.yml", content))
	require.NoError(t, err)
	return pb
}

func inventory() map[string]interface{} {
	return map[string]interface{}{
		"aiida_backend":          "core.psql_dos",
		"aiida_query_stats":      false,
		"aiida_query_stats_path": "/tmp/aiida_query_stats",
		"polish_path":            "/srv/polish",
	}
}

func TestExpressionBatchCapturesOutput(t *testing.T) {
	pb := loadString(t, `
- name: run polish expressions
  shell: "verdi -p {{ .aiida_backend }} run polish --timeout 600 {{ quote .item }}"
  timeout: 10m
  register: polish_out
  loop:
    - "1 -2 -1 4 -5 -1 3 + / + 2 ^ 3 + / + 2 ^"
    - "1 2 3 4 5 + + + +"
    - "3 1 3 4 - - +"
    - "4 -1 3 ^ -"
    - "2 3 ^ 4 -"
- name: print output
  debug:
    var: polish_out.output
`)
	conn := &fakeConn{}
	var out bytes.Buffer
	res, err := NewExecutor(&out).Run(context.Background(), pb, conn, inventory())
	require.NoError(t, err)

	require.Len(t, conn.commands, 5)
	for _, cmd := range conn.commands {
		assert.Equal(t, 10*time.Minute, cmd.Timeout)
		assert.True(t, strings.HasPrefix(cmd.Shell, "verdi -p core.psql_dos run polish --timeout 600 '"))
	}

	registered := res.Facts["polish_out"].(map[string]interface{})
	assert.Equal(t, 0, registered["rc"])
	assert.Equal(t, false, registered["failed"])
	assert.Len(t, registered["results"], 5)
	output := registered["output"].(string)
	assert.Contains(t, output, "1 2 3 4 5 + + + +")
	assert.Contains(t, output, "2 3 ^ 4 -")

	assert.Contains(t, out.String(), "[aiida] polish_out.output: ran verdi")
	assert.Equal(t, 1, res.Count(StatusChanged))
	assert.Equal(t, 1, res.Count(StatusOK))
}

func TestExistenceCheckFailureIsTolerated(t *testing.T) {
	content := `
- name: check profile
  command: "verdi profile show {{ .aiida_backend }}"
  register: profile_check
  ignore_errors: true
- name: create profile
  command: "verdi quicksetup --profile {{ .aiida_backend }}"
  when: "{{ ne .profile_check.rc 0 }}"
`
	t.Run("missing", func(t *testing.T) {
		conn := &fakeConn{respond: func(cmd connection.Command) (*connection.Result, error) {
			if cmd.Argv[1] == "profile" {
				return &connection.Result{RC: 1, Output: "profile not found"}, nil
			}
			return &connection.Result{}, nil
		}}
		res, err := NewExecutor(nil).Run(context.Background(), loadString(t, content), conn, inventory())
		require.NoError(t, err)
		require.Len(t, conn.commands, 2)
		assert.Equal(t, []string{"verdi", "quicksetup", "--profile", "core.psql_dos"}, conn.commands[1].Argv)
		assert.Equal(t, StatusIgnored, res.Tasks[0].Status)
		assert.Equal(t, StatusChanged, res.Tasks[1].Status)
		assert.Equal(t, true, res.Facts["profile_check"].(map[string]interface{})["failed"])
	})

	t.Run("present", func(t *testing.T) {
		conn := &fakeConn{}
		res, err := NewExecutor(nil).Run(context.Background(), loadString(t, content), conn, inventory())
		require.NoError(t, err)
		require.Len(t, conn.commands, 1)
		assert.Equal(t, StatusSkipped, res.Tasks[1].Status)
	})
}

func TestStatsStepsFollowFlag(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "reset_query_stats.yml", `
- name: clear stats
  shell: "rm -f {{ .aiida_query_stats_path }}"
`)
	main := writeFile(t, dir, "main.yml", `
- name: reset query stats
  include_tasks: reset_query_stats.yml
  when: aiida_query_stats
- name: run
  command: echo run
`)
	pb, err := Load(main)
	require.NoError(t, err)

	for _, enabled := range []bool{true, false} {
		t.Run(fmt.Sprint(enabled), func(t *testing.T) {
			vars := inventory()
			vars["aiida_query_stats"] = enabled
			conn := &fakeConn{}

			_, err := NewExecutor(nil).Run(context.Background(), pb, conn, vars)
			require.NoError(t, err)
			if enabled {
				require.Len(t, conn.commands, 2)
				assert.Equal(t, "rm -f /tmp/aiida_query_stats", conn.commands[0].Shell)
			} else {
				require.Len(t, conn.commands, 1)
				assert.Equal(t, []string{"echo", "run"}, conn.commands[0].Argv)
			}
		})
	}
}

func TestLoopFailFast(t *testing.T) {
	respond := func(cmd connection.Command) (*connection.Result, error) {
		item := cmd.Argv[len(cmd.Argv)-1]
		out := "checked " + item + "\n"
		if item == "c" {
			return &connection.Result{RC: 2, Output: out}, nil
		}
		return &connection.Result{Output: out}, nil
	}

	t.Run("default stops at first failure", func(t *testing.T) {
		pb := loadString(t, `
- name: check items
  command: "check {{ .item }}"
  loop: [a, b, c, d, e]
- name: never reached
  command: echo done
`)
		conn := &fakeConn{respond: respond}
		res, err := NewExecutor(nil).Run(context.Background(), pb, conn, inventory())
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrTaskFailed)

		var taskErr *TaskError
		require.ErrorAs(t, err, &taskErr)
		assert.Equal(t, "check items", taskErr.Task)
		assert.Equal(t, 2, taskErr.RC)
		assert.Contains(t, taskErr.Output, "checked a")
		assert.Contains(t, taskErr.Output, "checked c")
		assert.NotContains(t, taskErr.Output, "checked d")

		assert.Len(t, conn.commands, 3)
		require.Len(t, res.Tasks, 1)
		assert.Equal(t, StatusFailed, res.Tasks[0].Status)
	})

	t.Run("fail_fast false runs every item", func(t *testing.T) {
		pb := loadString(t, `
- name: check items
  command: "check {{ .item }}"
  loop: [a, b, c, d, e]
  loop_control:
    fail_fast: false
`)
		conn := &fakeConn{respond: respond}
		_, err := NewExecutor(nil).Run(context.Background(), pb, conn, inventory())
		assert.ErrorIs(t, err, errors.ErrTaskFailed)
		assert.Len(t, conn.commands, 5)
	})
}

func TestSetFactExtendsSearchPath(t *testing.T) {
	pb := loadString(t, `
- name: extend search path
  set_fact:
    aiida_pythonpath: '{{ joinpath (lookup "target_env.PYTHONPATH") .polish_path }}'
- name: restart daemon
  command: verdi daemon restart --reset
  environment:
    PYTHONPATH: "{{ .aiida_pythonpath }}"
`)

	targetEnv := func(rc int, stdout string) *fakeConn {
		return &fakeConn{respond: func(cmd connection.Command) (*connection.Result, error) {
			if len(cmd.Argv) == 1 && cmd.Argv[0] == "env" {
				return &connection.Result{RC: rc, Stdout: stdout, Output: stdout}, nil
			}
			return &connection.Result{Output: "ok\n"}, nil
		}}
	}

	tests := []struct {
		name string
		conn *fakeConn
		want string
	}{
		{"existing value", targetEnv(0, "HOME=/home/aiida\nPYTHONPATH=/opt/lib\nEMPTY=\n"), "/opt/lib:/srv/polish"},
		{"unset on target", targetEnv(0, "HOME=/home/aiida\n"), "/srv/polish"},
		{"target without env", targetEnv(127, ""), "/srv/polish"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := NewExecutor(nil)
			exec.Env = map[string]string{"PYTHONPATH": "/control/side"}
			exec.GatherFacts = true
			vars := inventory()

			res, err := exec.Run(context.Background(), pb, tt.conn, vars)
			require.NoError(t, err)
			require.Len(t, tt.conn.commands, 2)
			assert.Equal(t, []string{"env"}, tt.conn.commands[0].Argv)
			assert.Equal(t, tt.want, tt.conn.commands[1].Env["PYTHONPATH"])
			assert.Equal(t, tt.want, res.Facts["aiida_pythonpath"])
			assert.NotContains(t, vars, "aiida_pythonpath")
		})
	}
}

func TestGatheredEnvironmentOnLocalTarget(t *testing.T) {
	t.Setenv("PYTHONPATH", "/existing/site")
	pb := loadString(t, `
- name: extend search path
  set_fact:
    search_path: '{{ joinpath (lookup "target_env.PYTHONPATH") "/tmp/data/polish" }}'
- name: show search path
  shell: echo "$PYTHONPATH"
  environment:
    PYTHONPATH: "{{ .search_path }}"
  register: shown
`)
	exec := NewExecutor(nil)
	exec.GatherFacts = true

	res, err := exec.Run(context.Background(), pb, connection.NewLocal("local"), inventory())
	require.NoError(t, err)
	shown := res.Facts["shown"].(map[string]interface{})
	assert.Equal(t, "/existing/site:/tmp/data/polish\n", shown["stdout"])
}

func TestCommandKeepsQuotedArguments(t *testing.T) {
	pb := loadString(t, `
- name: print words
  command: printf '%s|' "a b" c '{{ .aiida_backend }} x' $HOME
  register: printed
`)
	res, err := NewExecutor(nil).Run(context.Background(), pb, connection.NewLocal("local"), inventory())
	require.NoError(t, err)
	printed := res.Facts["printed"].(map[string]interface{})
	assert.Equal(t, "a b|c|core.psql_dos x|$HOME|", printed["stdout"])

	conn := &fakeConn{}
	_, err = NewExecutor(nil).Run(context.Background(), loadString(t, `
- name: unterminated
  command: echo "open
`), conn, inventory())
	assert.ErrorIs(t, err, errors.ErrTaskInvalid)
	assert.Empty(t, conn.commands)
}

func TestTimeoutFailsTask(t *testing.T) {
	pb := loadString(t, `
- name: slow
  command: sleep 100
  timeout: 1
`)
	conn := &fakeConn{respond: func(cmd connection.Command) (*connection.Result, error) {
		return &connection.Result{RC: -1}, fmt.Errorf("%w after %s", errors.ErrCommandTimeout, cmd.Timeout)
	}}
	_, err := NewExecutor(nil).Run(context.Background(), pb, conn, inventory())
	assert.ErrorIs(t, err, errors.ErrTaskFailed)
	assert.ErrorIs(t, err, errors.ErrCommandTimeout)
	assert.Equal(t, time.Second, conn.commands[0].Timeout)
}

func TestUndefinedVariableIsNeverIgnored(t *testing.T) {
	pb := loadString(t, `
- name: typo
  command: "echo {{ .aiida_bakend }}"
  ignore_errors: true
`)
	conn := &fakeConn{}
	_, err := NewExecutor(nil).Run(context.Background(), pb, conn, inventory())
	assert.ErrorIs(t, err, errors.ErrUndefinedVarRef)
	assert.Empty(t, conn.commands)
}

func TestCopyResolvesAgainstPlaybookDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "polish/workchain.py", "print('polish')\n")
	p := writeFile(t, dir, "converge.yml", `
- name: copy workchains
  copy:
    src: polish
    dest: "/home/aiida/{{ .aiida_backend }}/polish"
    mode: "0755"
`)
	pb, err := Load(p)
	require.NoError(t, err)

	conn := &fakeConn{}
	res, err := NewExecutor(nil).Run(context.Background(), pb, conn, inventory())
	require.NoError(t, err)

	require.Len(t, conn.copies, 1)
	assert.Equal(t, filepath.Join(dir, "polish"), conn.copies[0][0])
	assert.Equal(t, "/home/aiida/core.psql_dos/polish", conn.copies[0][1])
	require.Len(t, conn.commands, 1)
	assert.Equal(t, []string{"chmod", "-R", "0755", "/home/aiida/core.psql_dos/polish"}, conn.commands[0].Argv)
	assert.Equal(t, StatusChanged, res.Tasks[0].Status)
}

func TestMappingFormWithVars(t *testing.T) {
	pb := loadString(t, `
name: verify
vars:
  greeting: hello
tasks:
  - name: greet
    debug:
      msg: "{{ .greeting }} from {{ .inventory_hostname }}"
`)
	var out bytes.Buffer
	_, err := NewExecutor(&out).Run(context.Background(), pb, &fakeConn{}, inventory())
	require.NoError(t, err)
	assert.Equal(t, "verify", pb.Name)
	assert.Equal(t, "[aiida] hello from aiida\n", out.String())
}

func TestLoadErrors(t *testing.T) {
	t.Run("include cycle", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "b.yml", "- include_tasks: a.yml\n")
		a := writeFile(t, dir, "a.yml", "- include_tasks: b.yml\n")
		_, err := Load(a)
		assert.ErrorIs(t, err, errors.ErrIncludeCycle)
	})

	t.Run("missing include", func(t *testing.T) {
		_, err := Load(writeFile(t, t.TempDir(), "a.yml", "- include_tasks: nope.yml\n"))
		assert.ErrorIs(t, err, errors.ErrPlaybookNotFound)
	})

	t.Run("no action", func(t *testing.T) {
		_, err := Load(writeFile(t, t.TempDir(), "a.yml", "- name: empty\n"))
		assert.ErrorIs(t, err, errors.ErrTaskInvalid)
	})

	t.Run("two actions", func(t *testing.T) {
		_, err := Load(writeFile(t, t.TempDir(), "a.yml", "- command: a\n  shell: b\n"))
		assert.ErrorIs(t, err, errors.ErrTaskInvalid)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(writeFile(t, t.TempDir(), "a.yml", "- command: a\n  become: true\n"))
		assert.ErrorIs(t, err, errors.ErrPlaybookParse)
	})
}

func TestEvaluateCondition(t *testing.T) {
	scope := map[string]interface{}{
		"flag":  true,
		"off":   "no",
		"check": map[string]interface{}{"rc": 1},
	}
	tests := []struct {
		condition string
		want      bool
	}{
		{"", true},
		{"flag", true},
		{"not flag", false},
		{"off", false},
		{"true", true},
		{"check.rc", true},
		{"{{ eq .check.rc 1 }}", true},
		{"{{ ne .check.rc 1 }}", false},
		{"{{ .off }}", false},
	}
	for _, tt := range tests {
		got, err := evaluateCondition(tt.condition, scope)
		require.NoError(t, err, tt.condition)
		assert.Equal(t, tt.want, got, tt.condition)
	}

	_, err := evaluateCondition("missing", scope)
	assert.ErrorIs(t, err, errors.ErrUndefinedVarRef)
}

func TestChangedWhenOverridesChangedStatus(t *testing.T) {
	pb := loadString(t, `
- name: check status
  command: verdi status
  changed_when: "false"
- name: maybe changed
  command: verdi daemon start
  register: daemon
  changed_when: '{{ ne .daemon.stdout "already running" }}'
`)
	conn := &fakeConn{respond: func(cmd connection.Command) (*connection.Result, error) {
		return &connection.Result{Stdout: "already running", Output: "already running"}, nil
	}}
	res, err := NewExecutor(nil).Run(context.Background(), pb, conn, inventory())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(StatusOK))
	assert.Equal(t, 0, res.Count(StatusChanged))
}

func TestShippedVerifyPlaybook(t *testing.T) {
	pb, err := Load(filepath.Join("..", "..", "examples", "molecule", "default", "verify.yml"))
	require.NoError(t, err)

	vars := map[string]interface{}{
		"aiida_user":             "aiida",
		"aiida_backend":          "core.psql_dos",
		"aiida_workers":          2,
		"aiida_path":             "/tmp/data/polish",
		"aiida_query_stats":      true,
		"aiida_query_stats_path": "/tmp/aiida_query_stats",
	}

	var polishRuns []connection.Command
	conn := &fakeConn{respond: func(cmd connection.Command) (*connection.Result, error) {
		if len(cmd.Argv) == 1 && cmd.Argv[0] == "env" {
			out := "HOME=/home/aiida\nPYTHONPATH=/opt/conda/lib\n"
			return &connection.Result{Stdout: out, Output: out}, nil
		}
		if len(cmd.Argv) > 1 && cmd.Argv[1] == "profile" {
			return &connection.Result{RC: 1, Output: "profile does not exist"}, nil
		}
		if strings.Contains(cmd.Shell, "cli.py") {
			polishRuns = append(polishRuns, cmd)
			out := "Finished WorkChain <pk> with result\n"
			return &connection.Result{Stdout: out, Output: out}, nil
		}
		return &connection.Result{Output: "ok\n"}, nil
	}}

	var out bytes.Buffer
	exec := NewExecutor(&out)
	exec.Env = map[string]string{"AIIDA_TEST_BACKEND": "core.psql_dos"}
	exec.GatherFacts = true
	res, err := exec.Run(context.Background(), pb, conn, vars)
	require.NoError(t, err)

	require.Len(t, polishRuns, 5)
	for _, cmd := range polishRuns {
		assert.Equal(t, 10*time.Minute, cmd.Timeout)
		assert.Equal(t, "/opt/conda/lib:/tmp/data/polish/core.psql_dos", cmd.Env["PYTHONPATH"])
		assert.Equal(t, "aiida", cmd.User)
		assert.True(t, strings.HasPrefix(cmd.Shell, "set -e;"))
	}

	polish := res.Facts["polish_output"].(map[string]interface{})
	assert.Equal(t, 0, polish["rc"])
	assert.NotEmpty(t, polish["output"])
	assert.Contains(t, out.String(), "polish_output.output: Finished WorkChain")

	assert.Equal(t, StatusIgnored, res.Tasks[0].Status)
	assert.Equal(t, 0, res.Count(StatusFailed))
	require.Len(t, conn.copies, 1)
	assert.Equal(t, "/tmp/data/polish/core.psql_dos", conn.copies[0][1])

	var stats int
	for _, cmd := range conn.commands {
		if strings.Contains(cmd.String(), "aiida_query_stats") || strings.Contains(cmd.Shell, "pg_stat_statements") {
			stats++
		}
	}
	assert.Equal(t, 4, stats)
}

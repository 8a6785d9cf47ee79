package playbook

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/shell"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/fsutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/netutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/config"
	"github.com/deploymenttheory/go-scenario-composer/internal/connection"
)

// outcome is what a handler reports for one invocation
type outcome struct {
	rc      int
	stdout  string
	stderr  string
	output  string
	changed bool
}

// taskHandler executes one task action
type taskHandler func(ctx context.Context, e *Executor, p *play, pb *Playbook, task Task, scope map[string]interface{}) (*outcome, error)

func createTaskHandlerRegistry() map[string]taskHandler {
	return map[string]taskHandler{
		"command":  handleCommandTask,
		"shell":    handleShellTask,
		"copy":     handleCopyTask,
		"get_url":  handleGetURLTask,
		"set_fact": handleSetFactTask,
		"debug":    handleDebugTask,
	}
}

func handleCommandTask(ctx context.Context, e *Executor, p *play, _ *Playbook, task Task, scope map[string]interface{}) (*outcome, error) {
	line, err := processTemplate(task.Command, scope)
	if err != nil {
		return nil, err
	}
	argv, err := shell.Fields(line, literalParam)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrTaskInvalid, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: command renders empty", errors.ErrTaskInvalid)
	}

	cmd, err := e.baseCommand(task, scope)
	if err != nil {
		return nil, err
	}
	cmd.Argv = argv
	return run(ctx, p.conn, cmd)
}

// literalParam leaves $VAR references as written. command tasks split words
// like a shell but never expand variables.
func literalParam(name string) string {
	return "$" + name
}

func handleShellTask(ctx context.Context, e *Executor, p *play, _ *Playbook, task Task, scope map[string]interface{}) (*outcome, error) {
	script, err := processTemplate(task.Shell, scope)
	if err != nil {
		return nil, err
	}

	cmd, err := e.baseCommand(task, scope)
	if err != nil {
		return nil, err
	}
	cmd.Shell = script
	return run(ctx, p.conn, cmd)
}

func handleCopyTask(ctx context.Context, e *Executor, p *play, pb *Playbook, task Task, scope map[string]interface{}) (*outcome, error) {
	src, err := processTemplate(task.Copy.Src, scope)
	if err != nil {
		return nil, err
	}
	dest, err := processTemplate(task.Copy.Dest, scope)
	if err != nil {
		return nil, err
	}

	src = fsutil.ResolvePath(pb.Dir, src)
	if !fsutil.PathExists(src) {
		return nil, fmt.Errorf("%w: %s", errors.ErrFileNotFound, src)
	}
	if err := p.conn.Copy(ctx, src, dest); err != nil {
		return nil, err
	}
	return e.chmod(ctx, p, task, scope, task.Copy.Mode, dest)
}

func handleGetURLTask(ctx context.Context, e *Executor, p *play, _ *Playbook, task Task, scope map[string]interface{}) (*outcome, error) {
	url, err := processTemplate(task.GetURL.URL, scope)
	if err != nil {
		return nil, err
	}
	dest, err := processTemplate(task.GetURL.Dest, scope)
	if err != nil {
		return nil, err
	}
	checksum, err := processTemplate(task.GetURL.Checksum, scope)
	if err != nil {
		return nil, err
	}

	cacheDir, err := e.cacheDir()
	if err != nil {
		return nil, err
	}
	local, err := netutil.CachedDownload(ctx, url, cacheDir, checksum)
	if err != nil {
		return nil, err
	}
	if err := p.conn.Copy(ctx, local, dest); err != nil {
		return nil, err
	}
	return e.chmod(ctx, p, task, scope, task.GetURL.Mode, dest)
}

// handleSetFactTask writes rendered values to the fact layer. Values are
// rendered against the scope as it was before the task.
func handleSetFactTask(_ context.Context, _ *Executor, p *play, _ *Playbook, task Task, scope map[string]interface{}) (*outcome, error) {
	rendered := make(map[string]interface{}, len(task.SetFact))
	for _, k := range sortedKeys(task.SetFact) {
		v, err := renderValue(task.SetFact[k], scope)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		rendered[k] = v
	}
	for k, v := range rendered {
		p.facts[k] = v
	}
	return &outcome{}, nil
}

func handleDebugTask(_ context.Context, e *Executor, p *play, _ *Playbook, task Task, scope map[string]interface{}) (*outcome, error) {
	var text string
	if task.Debug.Var != "" {
		v, ok := lookupVar(scope, task.Debug.Var)
		if !ok {
			return nil, fmt.Errorf("%w: %s", errors.ErrUndefinedVarRef, task.Debug.Var)
		}
		text = task.Debug.Var + ": " + formatValue(v)
	} else {
		msg, err := processTemplate(task.Debug.Msg, scope)
		if err != nil {
			return nil, err
		}
		text = msg
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	fmt.Fprintf(e.Out, "[%s] %s", p.conn.Name(), text)
	return &outcome{stdout: text, output: text}, nil
}

// baseCommand renders the modifiers shared by command and shell tasks
func (e *Executor) baseCommand(task Task, scope map[string]interface{}) (connection.Command, error) {
	taskEnv, err := renderMap(task.Environment, scope)
	if err != nil {
		return connection.Command{}, err
	}
	env := make(map[string]string, len(e.Env)+len(taskEnv))
	for k, v := range e.Env {
		env[k] = v
	}
	for k, v := range taskEnv {
		env[k] = v
	}

	dir, err := processTemplate(task.Chdir, scope)
	if err != nil {
		return connection.Command{}, err
	}
	user, err := processTemplate(task.BecomeUser, scope)
	if err != nil {
		return connection.Command{}, err
	}

	return connection.Command{
		Env:     env,
		Dir:     dir,
		User:    user,
		Timeout: task.Timeout.Std(),
	}, nil
}

func (e *Executor) chmod(ctx context.Context, p *play, _ Task, scope map[string]interface{}, mode, dest string) (*outcome, error) {
	if mode == "" {
		return &outcome{changed: true}, nil
	}
	mode, err := processTemplate(mode, scope)
	if err != nil {
		return nil, err
	}
	out, err := run(ctx, p.conn, connection.Command{Argv: []string{"chmod", "-R", mode, dest}})
	if out != nil {
		out.changed = true
	}
	return out, err
}

func (e *Executor) cacheDir() (string, error) {
	if e.CacheDir != "" {
		return e.CacheDir, nil
	}
	return fsutil.GetCacheDir(config.AppName)
}

func run(ctx context.Context, conn connection.Connection, cmd connection.Command) (*outcome, error) {
	res, err := conn.Exec(ctx, cmd)
	if res == nil {
		return nil, err
	}
	return &outcome{
		rc:      res.RC,
		stdout:  res.Stdout,
		stderr:  res.Stderr,
		output:  res.Output,
		changed: true,
	}, err
}

// formatValue renders a variable for debug output
func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}, []interface{}:
		data, err := yaml.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return "\n" + string(data)
	default:
		return fmt.Sprint(val)
	}
}

// Package playbook loads task lists and runs them against a platform
// connection.
package playbook

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/connection"
	"github.com/deploymenttheory/go-scenario-composer/internal/logger"
)

// TaskError reports the task that halted a playbook
type TaskError struct {
	Task   string
	Target string
	RC     int
	Output string
	Err    error
}

func (e *TaskError) Error() string {
	msg := fmt.Sprintf("task %q failed on %s (rc=%d)", e.Task, e.Target, e.RC)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *TaskError) Unwrap() []error {
	if e.Err == nil {
		return []error{errors.ErrTaskFailed}
	}
	return []error{errors.ErrTaskFailed, e.Err}
}

// TaskResult records one executed (or skipped) task
type TaskResult struct {
	Name     string
	Status   Status
	RC       int
	Output   string
	Duration time.Duration
}

// Result is the outcome of one playbook run against one target
type Result struct {
	Playbook string
	Target   string
	Tasks    []TaskResult
	Facts    map[string]interface{}
}

// Count returns how many tasks ended with the given status
func (r *Result) Count(status Status) int {
	n := 0
	for _, t := range r.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Executor runs playbooks
type Executor struct {
	// Out receives debug task output
	Out io.Writer

	// CacheDir holds get_url downloads
	CacheDir string

	// Env is passed to every command, below task environment
	Env map[string]string

	// GatherFacts reads the target environment before the first task and
	// exposes it as target_env
	GatherFacts bool

	handlers map[string]taskHandler
}

// NewExecutor returns an executor writing debug output to out
func NewExecutor(out io.Writer) *Executor {
	if out == nil {
		out = io.Discard
	}
	return &Executor{
		Out:      out,
		Env:      map[string]string{},
		handlers: createTaskHandlerRegistry(),
	}
}

// play is the state of one run
type play struct {
	conn      connection.Connection
	inventory map[string]interface{}
	facts     map[string]interface{}
	result    *Result
}

// scope layers facts over play vars over the inventory
func (p *play) scope(pb *Playbook, env map[string]string) map[string]interface{} {
	scope := make(map[string]interface{}, len(p.inventory)+len(p.facts)+2)
	for k, v := range p.inventory {
		scope[k] = v
	}
	for k, v := range pb.Vars {
		scope[k] = v
	}
	for k, v := range p.facts {
		scope[k] = v
	}
	envCopy := make(map[string]string, len(env))
	for k, v := range env {
		envCopy[k] = v
	}
	scope["env"] = envCopy
	scope["inventory_hostname"] = p.conn.Name()
	return scope
}

// Run executes pb against conn. vars is the read-only inventory; set_fact and
// register write to a separate fact layer returned in the result.
func (e *Executor) Run(ctx context.Context, pb *Playbook, conn connection.Connection, vars map[string]interface{}) (*Result, error) {
	p := &play{
		conn:      conn,
		inventory: vars,
		facts:     make(map[string]interface{}),
		result: &Result{
			Playbook: pb.Name,
			Target:   conn.Name(),
		},
	}
	p.result.Facts = p.facts

	if e.GatherFacts {
		p.facts[targetEnvFact] = gatherTargetEnv(ctx, conn)
	}

	logger.LogInfo("Starting playbook execution", map[string]interface{}{
		"playbook": pb.Name,
		"target":   conn.Name(),
		"tasks":    len(pb.Tasks),
	})

	if err := e.runTasks(ctx, p, pb); err != nil {
		return p.result, err
	}

	logger.LogInfo("Playbook execution completed successfully", map[string]interface{}{
		"playbook": pb.Name,
		"target":   conn.Name(),
	})
	return p.result, nil
}

const targetEnvFact = "target_env"

// gatherTargetEnv runs env on the target. A target that cannot report its
// environment yields an empty map.
func gatherTargetEnv(ctx context.Context, conn connection.Connection) map[string]string {
	env := map[string]string{}
	res, err := conn.Exec(ctx, connection.Command{Argv: []string{"env"}})
	if err != nil || res == nil || res.RC != 0 {
		logger.LogWarn("Could not read the target environment", map[string]interface{}{
			"target": conn.Name(),
			"error":  fmt.Sprint(err),
		})
		return env
	}

	for _, line := range strings.Split(res.Stdout, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		env[key] = value
	}
	return env
}

func (e *Executor) runTasks(ctx context.Context, p *play, pb *Playbook) error {
	for i, task := range pb.Tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runTask(ctx, p, pb, i, task); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runTask(ctx context.Context, p *play, pb *Playbook, index int, task Task) error {
	scope := p.scope(pb, e.Env)
	name := task.Name
	if rendered, err := processTemplate(name, scope); err == nil {
		name = rendered
	}
	if name == "" {
		name = task.Action()
	}

	shouldRun, err := evaluateCondition(task.When, scope)
	if err != nil {
		return &TaskError{Task: name, Target: p.conn.Name(), Err: fmt.Errorf("evaluating condition: %w", err)}
	}
	if !shouldRun {
		logger.LogInfo(fmt.Sprintf("Skipping task %d/%d: %s (condition not met)", index+1, len(pb.Tasks), name), nil)
		p.record(TaskResult{Name: name, Status: StatusSkipped})
		if task.Register != "" {
			p.facts[task.Register] = registered(&outcome{}, true, nil)
		}
		return nil
	}

	logger.LogInfo(fmt.Sprintf("Executing task %d/%d: %s", index+1, len(pb.Tasks), name),
		map[string]interface{}{
			"action": task.Action(),
			"target": p.conn.Name(),
		})

	if task.included != nil {
		started := time.Now()
		if err := e.runTasks(ctx, p, task.included); err != nil {
			return err
		}
		p.record(TaskResult{Name: name, Status: StatusOK, Duration: time.Since(started)})
		return nil
	}

	handler, found := e.handlers[task.Action()]
	if !found {
		return &TaskError{Task: name, Target: p.conn.Name(), Err: fmt.Errorf("%w: no handler for %q", errors.ErrTaskInvalid, task.Action())}
	}

	started := time.Now()
	out, items, err := e.execute(ctx, p, pb, task, scope, handler)
	failed := err != nil || out.rc != 0

	if task.ChangedWhen != "" && !failed {
		changed, cerr := e.evaluateChanged(task, scope, out, items)
		if cerr != nil {
			return &TaskError{Task: name, Target: p.conn.Name(), Err: fmt.Errorf("evaluating changed_when: %w", cerr)}
		}
		out.changed = changed
	}

	if task.Register != "" {
		p.facts[task.Register] = registered(out, false, items)
	}

	res := TaskResult{Name: name, RC: out.rc, Output: out.output, Duration: time.Since(started)}
	switch {
	case !failed && out.changed:
		res.Status = StatusChanged
	case !failed:
		res.Status = StatusOK
	case task.IgnoreErrors && !isTemplateError(err):
		res.Status = StatusIgnored
		logger.LogWarn(fmt.Sprintf("Task %s failed, ignoring", name), map[string]interface{}{
			"rc":     out.rc,
			"target": p.conn.Name(),
		})
	default:
		res.Status = StatusFailed
		p.record(res)
		logger.LogError(fmt.Sprintf("Task %s failed", name), err, map[string]interface{}{
			"rc":     out.rc,
			"target": p.conn.Name(),
		})
		return &TaskError{Task: name, Target: p.conn.Name(), RC: out.rc, Output: out.output, Err: err}
	}
	p.record(res)
	return nil
}

// execute runs the handler once, or once per loop item
func (e *Executor) execute(ctx context.Context, p *play, pb *Playbook, task Task, scope map[string]interface{}, handler taskHandler) (*outcome, []map[string]interface{}, error) {
	if len(task.Loop) == 0 {
		out, err := handler(ctx, e, p, pb, task, scope)
		return normalize(out, err), nil, err
	}

	combined := &outcome{}
	var stdout, stderr, output strings.Builder
	var items []map[string]interface{}
	var firstErr error

	for i, raw := range task.Loop {
		item, err := renderValue(raw, scope)
		if err != nil {
			return combined, items, err
		}
		itemScope := make(map[string]interface{}, len(scope)+2)
		for k, v := range scope {
			itemScope[k] = v
		}
		itemScope["item"] = item
		itemScope["index"] = i

		out, err := handler(ctx, e, p, pb, task, itemScope)
		out = normalize(out, err)
		stdout.WriteString(out.stdout)
		stderr.WriteString(out.stderr)
		output.WriteString(out.output)
		combined.changed = combined.changed || out.changed

		entry := registered(out, false, nil)
		entry["item"] = item
		items = append(items, entry)

		if err != nil || out.rc != 0 {
			if combined.rc == 0 {
				combined.rc = out.rc
			}
			if firstErr == nil {
				firstErr = err
			}
			if task.failFast() {
				break
			}
		}
	}

	combined.stdout = stdout.String()
	combined.stderr = stderr.String()
	combined.output = output.String()
	return combined, items, firstErr
}

// evaluateChanged decides changed_when with the task result visible as
// .result (and under its register name)
func (e *Executor) evaluateChanged(task Task, scope map[string]interface{}, out *outcome, items []map[string]interface{}) (bool, error) {
	result := registered(out, false, items)
	resultScope := make(map[string]interface{}, len(scope)+2)
	for k, v := range scope {
		resultScope[k] = v
	}
	resultScope["result"] = result
	if task.Register != "" {
		resultScope[task.Register] = result
	}
	return evaluateCondition(task.ChangedWhen, resultScope)
}

// normalize guarantees an outcome whose rc is non-zero whenever err is set
func normalize(out *outcome, err error) *outcome {
	if out == nil {
		out = &outcome{}
	}
	if err != nil && out.rc == 0 {
		out.rc = -1
	}
	return out
}

func (p *play) record(r TaskResult) {
	p.result.Tasks = append(p.result.Tasks, r)
}

// registered builds the value stored by `register`
func registered(out *outcome, skipped bool, items []map[string]interface{}) map[string]interface{} {
	results := make([]interface{}, len(items))
	for i, item := range items {
		results[i] = item
	}
	return map[string]interface{}{
		"rc":      out.rc,
		"stdout":  out.stdout,
		"stderr":  out.stderr,
		"output":  out.output,
		"changed": out.changed,
		"failed":  !skipped && out.rc != 0,
		"skipped": skipped,
		"results": results,
	}
}

func isTemplateError(err error) bool {
	return stderrors.Is(err, errors.ErrTemplateFailed) || stderrors.Is(err, errors.ErrUndefinedVarRef)
}

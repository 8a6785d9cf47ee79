package playbook

import (
	"github.com/deploymenttheory/go-scenario-composer/internal/common/yamlutil"
)

// Playbook is an ordered task list loaded from one file
type Playbook struct {
	Name  string
	Path  string
	Dir   string
	Vars  map[string]interface{}
	Tasks []Task
}

// Task is a single step. Exactly one action key is set.
type Task struct {
	Name string `yaml:"name"`

	// Actions
	Command      string                 `yaml:"command,omitempty"`
	Shell        string                 `yaml:"shell,omitempty"`
	Copy         *CopySpec              `yaml:"copy,omitempty"`
	GetURL       *GetURLSpec            `yaml:"get_url,omitempty"`
	SetFact      map[string]interface{} `yaml:"set_fact,omitempty"`
	Debug        *DebugSpec             `yaml:"debug,omitempty"`
	IncludeTasks string                 `yaml:"include_tasks,omitempty"`

	// Modifiers
	When         string            `yaml:"when,omitempty"`
	ChangedWhen  string            `yaml:"changed_when,omitempty"`
	Register     string            `yaml:"register,omitempty"`
	IgnoreErrors bool              `yaml:"ignore_errors,omitempty"`
	Environment  map[string]string `yaml:"environment,omitempty"`
	BecomeUser   string            `yaml:"become_user,omitempty"`
	Chdir        string            `yaml:"chdir,omitempty"`
	Timeout      yamlutil.Duration `yaml:"timeout,omitempty"`
	Loop         []interface{}     `yaml:"loop,omitempty"`
	LoopControl  LoopControl       `yaml:"loop_control,omitempty"`

	included *Playbook
}

// CopySpec copies a local path, relative to the playbook, onto the target
type CopySpec struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
	Mode string `yaml:"mode,omitempty"`
}

// GetURLSpec fetches a URL on the control side and places it on the target
type GetURLSpec struct {
	URL      string `yaml:"url"`
	Dest     string `yaml:"dest"`
	Checksum string `yaml:"checksum,omitempty"`
	Mode     string `yaml:"mode,omitempty"`
}

// DebugSpec prints either a rendered message or a variable
type DebugSpec struct {
	Msg string `yaml:"msg,omitempty"`
	Var string `yaml:"var,omitempty"`
}

// LoopControl tunes loop execution
type LoopControl struct {
	// FailFast stops at the first failing item. Defaults to true.
	FailFast *bool `yaml:"fail_fast,omitempty"`
}

// Action names the task's action key
func (t Task) Action() string {
	actions := t.actions()
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

func (t Task) actions() []string {
	var set []string
	if t.Command != "" {
		set = append(set, "command")
	}
	if t.Shell != "" {
		set = append(set, "shell")
	}
	if t.Copy != nil {
		set = append(set, "copy")
	}
	if t.GetURL != nil {
		set = append(set, "get_url")
	}
	if t.SetFact != nil {
		set = append(set, "set_fact")
	}
	if t.Debug != nil {
		set = append(set, "debug")
	}
	if t.IncludeTasks != "" {
		set = append(set, "include_tasks")
	}
	return set
}

func (t Task) failFast() bool {
	return t.LoopControl.FailFast == nil || *t.LoopControl.FailFast
}

// Status is the outcome of a task
type Status string

const (
	StatusOK      Status = "ok"
	StatusChanged Status = "changed"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusIgnored Status = "ignored"
)

package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/fsutil"
	"github.com/deploymenttheory/go-scenario-composer/internal/common/yamlutil"
)

// playFile is the mapping form of a playbook; a bare task list is also accepted
type playFile struct {
	Name  string                 `yaml:"name"`
	Vars  map[string]interface{} `yaml:"vars"`
	Tasks []Task                 `yaml:"tasks"`
}

// Load reads a playbook and every file it includes. Includes resolve
// relative to the including file.
func Load(path string) (*Playbook, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return load(abs, nil)
}

func load(path string, stack []string) (*Playbook, error) {
	for _, p := range stack {
		if p == path {
			return nil, fmt.Errorf("%w: %s", errors.ErrIncludeCycle, strings.Join(append(stack, path), " -> "))
		}
	}
	stack = append(stack, path)

	if !fsutil.FileExists(path) {
		return nil, fmt.Errorf("%w: %s", errors.ErrPlaybookNotFound, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrPlaybookParse, err)
	}

	pb, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrPlaybookParse, path, err)
	}
	pb.Path = path
	pb.Dir = filepath.Dir(path)
	if pb.Name == "" {
		pb.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	for i := range pb.Tasks {
		t := &pb.Tasks[i]
		if err := validateTask(*t); err != nil {
			return nil, fmt.Errorf("%s: task %d (%s): %w", path, i+1, t.Name, err)
		}
		if t.IncludeTasks == "" {
			continue
		}
		included, err := load(fsutil.ResolvePath(pb.Dir, t.IncludeTasks), stack)
		if err != nil {
			return nil, err
		}
		t.included = included
	}

	return pb, nil
}

func parse(data []byte) (*Playbook, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}

	pb := &Playbook{}
	if len(root.Content) == 0 {
		return pb, nil
	}

	switch root.Content[0].Kind {
	case yaml.SequenceNode:
		if err := yamlutil.DecodeStrict(data, &pb.Tasks); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		var pf playFile
		if err := yamlutil.DecodeStrict(data, &pf); err != nil {
			return nil, err
		}
		pb.Name = pf.Name
		pb.Vars = pf.Vars
		pb.Tasks = pf.Tasks
	default:
		return nil, fmt.Errorf("expected a task list or a mapping with tasks")
	}
	return pb, nil
}

func validateTask(t Task) error {
	actions := t.actions()
	switch len(actions) {
	case 0:
		return fmt.Errorf("%w: no action", errors.ErrTaskInvalid)
	case 1:
	default:
		return fmt.Errorf("%w: multiple actions %s", errors.ErrTaskInvalid, strings.Join(actions, ", "))
	}

	if t.IncludeTasks != "" && len(t.Loop) > 0 {
		return fmt.Errorf("%w: include_tasks cannot loop", errors.ErrTaskInvalid)
	}
	if t.Copy != nil && (t.Copy.Src == "" || t.Copy.Dest == "") {
		return fmt.Errorf("%w: copy needs src and dest", errors.ErrTaskInvalid)
	}
	if t.GetURL != nil && (t.GetURL.URL == "" || t.GetURL.Dest == "") {
		return fmt.Errorf("%w: get_url needs url and dest", errors.ErrTaskInvalid)
	}
	if t.Debug != nil && t.Debug.Msg == "" && t.Debug.Var == "" {
		return fmt.Errorf("%w: debug needs msg or var", errors.ErrTaskInvalid)
	}
	return nil
}

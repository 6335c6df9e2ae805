// Package playbook loads YAML task documents into task values. A playbook is
// either a bare list of tasks or a document with top-level vars and tasks
// sections.
package playbook

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/steward-sh/steward/pkg/task"
)

// reservedKeys are task document keys that are not module identifiers.
var reservedKeys = map[string]bool{
	"name":     true,
	"targets":  true,
	"when":     true,
	"loop":     true,
	"register": true,
}

var validate = validator.New()

// Playbook is one loaded play: shared variables and the ordered task list.
type Playbook struct {
	// Path is the file the playbook was loaded from.
	Path string

	// Vars are play-level variables seeding every target's variable scope.
	Vars map[string]interface{}

	// Tasks is the ordered task list.
	Tasks []*task.Task
}

// Load reads and parses a playbook file.
func Load(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook %s: %w", path, err)
	}
	pb, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("playbook %s: %w", path, err)
	}
	pb.Path = path
	return pb, nil
}

// Parse parses playbook YAML. A bare list is a task list; a mapping may carry
// vars and tasks sections.
func Parse(data []byte) (*Playbook, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if len(root.Content) == 0 {
		return &Playbook{Vars: map[string]interface{}{}}, nil
	}

	doc := root.Content[0]
	pb := &Playbook{Vars: map[string]interface{}{}}

	switch doc.Kind {
	case yaml.SequenceNode:
		tasks, err := parseTasks(doc)
		if err != nil {
			return nil, err
		}
		pb.Tasks = tasks

	case yaml.MappingNode:
		var wrapper struct {
			Vars  map[string]interface{} `yaml:"vars"`
			Tasks yaml.Node              `yaml:"tasks"`
		}
		if err := doc.Decode(&wrapper); err != nil {
			return nil, fmt.Errorf("invalid playbook document: %w", err)
		}
		if wrapper.Vars != nil {
			pb.Vars = wrapper.Vars
		}
		if wrapper.Tasks.Kind != 0 {
			tasks, err := parseTasks(&wrapper.Tasks)
			if err != nil {
				return nil, err
			}
			pb.Tasks = tasks
		}

	default:
		return nil, fmt.Errorf("playbook must be a task list or a mapping with a tasks section")
	}

	return pb, nil
}

// parseTasks parses a YAML sequence of task documents.
func parseTasks(node *yaml.Node) ([]*task.Task, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("tasks must be a list")
	}

	tasks := make([]*task.Task, 0, len(node.Content))
	for i, item := range node.Content {
		t, err := parseTask(item)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// parseTask parses one task document. Control keys are fixed; exactly one
// remaining key names the module and holds its parameters.
func parseTask(node *yaml.Node) (*task.Task, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("task must be a mapping")
	}

	t := &task.Task{}
	var loopNode *yaml.Node

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valNode := node.Content[i+1]
		key := keyNode.Value

		switch key {
		case "name":
			if err := valNode.Decode(&t.Name); err != nil {
				return nil, fmt.Errorf("invalid name: %w", err)
			}
		case "targets":
			if err := valNode.Decode(&t.Targets); err != nil {
				return nil, fmt.Errorf("invalid targets: %w", err)
			}
		case "when":
			if err := valNode.Decode(&t.When); err != nil {
				return nil, fmt.Errorf("invalid when: %w", err)
			}
		case "register":
			if err := valNode.Decode(&t.Register); err != nil {
				return nil, fmt.Errorf("invalid register: %w", err)
			}
		case "loop":
			loopNode = valNode
		default:
			if t.Module != "" {
				return nil, fmt.Errorf("multiple module keys: %q and %q", t.Module, key)
			}
			t.Module = key
			params := map[string]interface{}{}
			if valNode.Kind != 0 && valNode.Tag != "!!null" {
				if err := valNode.Decode(&params); err != nil {
					return nil, fmt.Errorf("invalid %s parameters: %w", key, err)
				}
			}
			t.Params = params
		}
	}

	if loopNode != nil {
		spec, err := parseLoop(loopNode)
		if err != nil {
			return nil, err
		}
		t.Loop = spec
	}

	if t.Module == "" {
		return nil, fmt.Errorf("task %q declares no module", t.Name)
	}
	if err := validate.Struct(t); err != nil {
		return nil, fmt.Errorf("invalid task %q: %w", t.Name, err)
	}
	return t, nil
}

// parseLoop parses the loop control. A bare string or list is shorthand for
// the collection; a mapping configures the full specification.
func parseLoop(node *yaml.Node) (*task.LoopSpec, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var expr string
		if err := node.Decode(&expr); err != nil {
			return nil, fmt.Errorf("invalid loop: %w", err)
		}
		return &task.LoopSpec{For: expr}, nil

	case yaml.SequenceNode:
		var items []interface{}
		if err := node.Decode(&items); err != nil {
			return nil, fmt.Errorf("invalid loop: %w", err)
		}
		return &task.LoopSpec{For: items}, nil

	case yaml.MappingNode:
		spec := &task.LoopSpec{}
		if err := node.Decode(spec); err != nil {
			return nil, fmt.Errorf("invalid loop: %w", err)
		}
		if spec.For == nil {
			return nil, fmt.Errorf("loop requires a for collection")
		}
		return spec, nil

	default:
		return nil, fmt.Errorf("invalid loop")
	}
}

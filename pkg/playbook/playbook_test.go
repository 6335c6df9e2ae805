package playbook

import (
	"testing"

	"github.com/steward-sh/steward/pkg/task"
)

func TestParseTaskList(t *testing.T) {
	data := []byte(`
- name: add repo
  targets: [web1]
  apt_repository:
    repo: "deb http://deb.example.org stable main"
  when: "enabled == True"
  loop:
    for: ["a", "b"]
    break_when: ["item == 'b'"]
  register: r
`)

	pb, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(pb.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(pb.Tasks))
	}

	got := pb.Tasks[0]
	if got.Name != "add repo" {
		t.Errorf("Name = %q, want %q", got.Name, "add repo")
	}
	if got.Module != "apt_repository" {
		t.Errorf("Module = %q, want apt_repository", got.Module)
	}
	if got.Params["repo"] != "deb http://deb.example.org stable main" {
		t.Errorf("unexpected repo param: %v", got.Params["repo"])
	}
	if len(got.Targets) != 1 || got.Targets[0] != "web1" {
		t.Errorf("unexpected targets: %v", got.Targets)
	}
	if got.When != "enabled == True" {
		t.Errorf("When = %q", got.When)
	}
	if got.Register != "r" {
		t.Errorf("Register = %q", got.Register)
	}
	if got.Loop == nil {
		t.Fatal("expected loop spec")
	}
	items, ok := got.Loop.For.([]interface{})
	if !ok || len(items) != 2 {
		t.Errorf("unexpected loop collection: %v", got.Loop.For)
	}
	if len(got.Loop.BreakWhen) != 1 || got.Loop.BreakWhen[0] != "item == 'b'" {
		t.Errorf("unexpected break_when: %v", got.Loop.BreakWhen)
	}
}

func TestParseVarsAndTasks(t *testing.T) {
	data := []byte(`
vars:
  release: focal
tasks:
  - name: add repo
    apt_repository:
      repo: "deb https://deb.example.org {{ .release }} main"
`)

	pb, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if pb.Vars["release"] != "focal" {
		t.Errorf("unexpected vars: %v", pb.Vars)
	}
	if len(pb.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(pb.Tasks))
	}
}

func TestParseLoopShorthand(t *testing.T) {
	tests := []struct {
		name string
		data string
		want func(*task.LoopSpec) bool
	}{
		{
			name: "string expression",
			data: `
- name: iterate
  apt_repository:
    repo: x
  loop: "items"
`,
			want: func(l *task.LoopSpec) bool {
				expr, ok := l.For.(string)
				return ok && expr == "items"
			},
		},
		{
			name: "bare list",
			data: `
- name: iterate
  apt_repository:
    repo: x
  loop: ["a", "b", "c"]
`,
			want: func(l *task.LoopSpec) bool {
				items, ok := l.For.([]interface{})
				return ok && len(items) == 3
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pb, err := Parse([]byte(tt.data))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if len(pb.Tasks) != 1 || pb.Tasks[0].Loop == nil {
				t.Fatal("expected one task with a loop")
			}
			if !tt.want(pb.Tasks[0].Loop) {
				t.Errorf("unexpected loop spec: %+v", pb.Tasks[0].Loop)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "no module key",
			data: `
- name: empty
  when: "x"
`,
		},
		{
			name: "two module keys",
			data: `
- name: double
  apt_repository:
    repo: x
  other_module:
    key: y
`,
		},
		{
			name: "missing name",
			data: `
- apt_repository:
    repo: x
`,
		},
		{
			name: "loop without collection",
			data: `
- name: looped
  apt_repository:
    repo: x
  loop:
    loop_var: entry
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

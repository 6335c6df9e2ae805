package lookup

import (
	"context"
	"testing"
)

func TestEnvLookup(t *testing.T) {
	t.Setenv("STEWARD_TEST_VALUE", "present")

	r := NewRegistry()

	got, err := r.Resolve(context.Background(), "env", []string{"STEWARD_TEST_VALUE"}, nil, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "present" {
		t.Errorf("Resolve() = %v, want %q", got, "present")
	}

	got, err = r.Resolve(context.Background(), "env", []string{"STEWARD_TEST_ABSENT"}, nil, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != nil {
		t.Errorf("Resolve() = %v, want nil for missing variable", got)
	}
}

func TestVarLookup(t *testing.T) {
	r := NewRegistry()
	vars := map[string]interface{}{
		"release": "focal",
		"repo": map[string]interface{}{
			"docker": map[string]interface{}{
				"url": "https://download.docker.com",
			},
		},
	}

	tests := []struct {
		name string
		path []string
		want interface{}
	}{
		{name: "top level", path: []string{"release"}, want: "focal"},
		{name: "nested path", path: []string{"repo", "docker", "url"}, want: "https://download.docker.com"},
		{name: "missing key", path: []string{"absent"}, want: nil},
		{name: "path through non-map", path: []string{"release", "deeper"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), "var", tt.path, nil, vars)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()

	err := r.Register("custom", func(context.Context, *Params) (interface{}, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err = r.Register("custom", func(context.Context, *Params) (interface{}, error) {
		return nil, nil
	})
	if err == nil {
		t.Error("expected error registering duplicate key")
	}
}

func TestResolveUnknownKey(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve(context.Background(), "nosuch", nil, nil, nil); err == nil {
		t.Error("expected error for unknown lookup key")
	}
}

func TestCustomHandlerReceivesParams(t *testing.T) {
	r := NewRegistry()
	err := r.Register("echo", func(_ context.Context, p *Params) (interface{}, error) {
		return map[string]interface{}{
			"path": p.Path,
			"opt":  p.Options["key"],
		}, nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, err := r.Resolve(context.Background(), "echo", []string{"a", "b"}, map[string]interface{}{"key": "v"}, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	m := got.(map[string]interface{})
	path := m["path"].([]string)
	if len(path) != 2 || path[0] != "a" || m["opt"] != "v" {
		t.Errorf("unexpected params: %v", m)
	}
}

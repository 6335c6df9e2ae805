package aptrepo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/steward-sh/steward/pkg/module"
	"github.com/steward-sh/steward/pkg/provider"
	"github.com/steward-sh/steward/pkg/telemetry"
)

const aptConfigDump = `Dir "/";
Dir::Etc "etc/apt";
Dir::Etc::sourcelist "sources.list";
Dir::Etc::sourceparts "sources.list.d";
`

// fakeProvider simulates a Debian-ish target: a flat file map plus scripted
// probe and cache-refresh behavior. It records every executed command.
type fakeProvider struct {
	files map[string]string
	cmds  []string

	// missingTools marks probe targets as unavailable.
	missingTools map[string]bool

	// updateFailures is how many apt-get update calls fail before one
	// succeeds; -1 fails forever.
	updateFailures int

	writes  []string
	removed []string
}

func newFakeProvider(files map[string]string) *fakeProvider {
	if files == nil {
		files = map[string]string{}
	}
	return &fakeProvider{files: files}
}

func (f *fakeProvider) Name() string   { return "fake" }
func (f *fakeProvider) Target() string { return "target-01" }
func (f *fakeProvider) Close() error   { return nil }

func (f *fakeProvider) Warn(context.Context, string) {}

func (f *fakeProvider) Fail(_ context.Context, msg string) error {
	return &provider.Failure{Message: msg}
}

func (f *fakeProvider) Exec(ctx context.Context, command string) (*provider.Response, error) {
	resp, err := f.ExecSafe(ctx, command)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &provider.ExecError{Command: command, Response: resp}
	}
	return resp, nil
}

func (f *fakeProvider) ExecSafe(_ context.Context, command string) (*provider.Response, error) {
	f.cmds = append(f.cmds, command)

	switch {
	case strings.HasPrefix(command, "command -v "):
		tool := strings.Fields(command)[2]
		if f.missingTools[tool] {
			return &provider.Response{Code: 0, Stdout: "1"}, nil
		}
		return &provider.Response{Code: 0, Stdout: "0"}, nil

	case command == "apt-config dump":
		return &provider.Response{Code: 0, Stdout: aptConfigDump}, nil

	case strings.HasPrefix(command, "find "):
		dir := quoted(command)
		var names []string
		for name := range f.files {
			if strings.HasPrefix(name, dir+"/") && strings.HasSuffix(name, ".list") {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return &provider.Response{Code: 0, Stdout: strings.Join(names, "\n")}, nil

	case strings.HasPrefix(command, "cat "):
		name := quoted(command)
		content, ok := f.files[name]
		if !ok {
			return &provider.Response{Code: 1, Stderr: "No such file or directory"}, nil
		}
		return &provider.Response{Code: 0, Stdout: content}, nil

	case strings.HasPrefix(command, "rm -f "):
		name := quoted(command)
		delete(f.files, name)
		f.removed = append(f.removed, name)
		return &provider.Response{Code: 0}, nil

	case command == "apt-get update":
		if f.updateFailures != 0 {
			if f.updateFailures > 0 {
				f.updateFailures--
			}
			return &provider.Response{Code: 100, Stderr: "Could not resolve host"}, nil
		}
		return &provider.Response{Code: 0}, nil
	}

	return &provider.Response{Code: 0}, nil
}

// WriteFile implements provider.FileWriter so persistence bypasses the shell.
func (f *fakeProvider) WriteFile(_ context.Context, path, content string, _ fs.FileMode) error {
	f.files[path] = content
	f.writes = append(f.writes, path)
	return nil
}

// quoted extracts the single-quoted argument of a command.
func quoted(command string) string {
	first := strings.Index(command, "'")
	last := strings.LastIndex(command, "'")
	if first < 0 || last <= first {
		return ""
	}
	arg := command[first+1 : last]
	// Strip trailing quote-internal suffixes like "' 2>/dev/null".
	if i := strings.Index(arg, "'"); i >= 0 {
		arg = arg[:i]
	}
	return arg
}

func testContext(t *testing.T, p provider.Provider, checkMode bool) *module.Context {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return &module.Context{
		Vars:      map[string]interface{}{},
		Logger:    logger,
		Provider:  p,
		CheckMode: checkMode,
	}
}

func newModule(params map[string]interface{}) *Module {
	m, _ := Factory(params)
	am := m.(*Module)
	am.sleep = func(context.Context, time.Duration) error { return nil }
	return am
}

func TestCheckValidation(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{
			name:   "present without repo",
			params: map[string]interface{}{"state": "present"},
		},
		{
			name: "repo and regexp are exclusive",
			params: map[string]interface{}{
				"state":  "absent",
				"repo":   "deb https://deb.example.org stable main",
				"regexp": "example",
			},
		},
		{
			name: "regexp with present",
			params: map[string]interface{}{
				"state":  "present",
				"regexp": "example",
			},
		},
		{
			name: "invalid regexp",
			params: map[string]interface{}{
				"state":  "absent",
				"regexp": "[",
			},
		},
		{
			name: "invalid mode",
			params: map[string]interface{}{
				"repo": "deb https://deb.example.org stable main",
				"mode": "rw-r--r--",
			},
		},
		{
			name:   "unknown state",
			params: map[string]interface{}{"state": "installed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModule(tt.params)
			err := m.Check(context.Background(), testContext(t, newFakeProvider(nil), false))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !module.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCheckRejectsMalformedRepoLine(t *testing.T) {
	p := newFakeProvider(nil)
	m := newModule(map[string]interface{}{"repo": "rpm https://deb.example.org stable main"})

	err := m.Check(context.Background(), testContext(t, p, false))
	if err == nil {
		t.Fatal("expected validation error")
	}
	var ve *module.ValidationError
	if !errors.As(err, &ve) || ve.Message != errRepoFormat {
		t.Errorf("error = %v, want message %q", err, errRepoFormat)
	}

	// Only the two tool probes may have touched the target.
	if len(p.cmds) != 2 {
		t.Errorf("expected exactly 2 probes before rejection, got commands: %v", p.cmds)
	}
}

func TestCheckMissingTool(t *testing.T) {
	p := newFakeProvider(nil)
	p.missingTools = map[string]bool{"apt-get": true}
	m := newModule(map[string]interface{}{"repo": "deb https://deb.example.org stable main"})

	err := m.Check(context.Background(), testContext(t, p, false))
	if err == nil {
		t.Fatal("expected precondition error")
	}
	if !module.IsPrecondition(err) {
		t.Errorf("expected precondition error, got %v", err)
	}
}

func TestCheckResolvesSourcePaths(t *testing.T) {
	p := newFakeProvider(nil)
	m := newModule(map[string]interface{}{"repo": "deb https://deb.example.org stable main"})

	if err := m.Check(context.Background(), testContext(t, p, false)); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if m.sourceList != "/etc/apt/sources.list" {
		t.Errorf("sourceList = %q", m.sourceList)
	}
	if len(m.sourceParts) != 1 || m.sourceParts[0] != "/etc/apt/sources.list.d" {
		t.Errorf("sourceParts = %v", m.sourceParts)
	}
}

func runModule(t *testing.T, m *Module, c *module.Context) (*module.Result, error) {
	t.Helper()
	return module.Run(context.Background(), m, c)
}

func TestExecuteAddsRepo(t *testing.T) {
	p := newFakeProvider(map[string]string{
		"/etc/apt/sources.list": "deb https://archive.ubuntu.com/ubuntu focal main\n",
	})
	line := "deb https://download.docker.com/linux/ubuntu focal stable"
	m := newModule(map[string]interface{}{"repo": line})

	result, err := runModule(t, m, testContext(t, p, false))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Changed {
		t.Error("expected changed result")
	}

	wantFile := "/etc/apt/sources.list.d/download_docker_com_linux_ubuntu_focal_stable.list"
	content, ok := p.files[wantFile]
	if !ok {
		t.Fatalf("expected %s to be written, files: %v", wantFile, p.files)
	}
	if content != line+"\n" {
		t.Errorf("content = %q", content)
	}

	added := result.Extra["sources_added"].([]string)
	if len(added) != 1 || added[0] != wantFile {
		t.Errorf("sources_added = %v", added)
	}
	removed := result.Extra["sources_removed"].([]string)
	if len(removed) != 0 {
		t.Errorf("sources_removed = %v", removed)
	}

	if len(result.Diff) != 1 {
		t.Fatalf("expected 1 diff record, got %d", len(result.Diff))
	}
	if result.Diff[0].BeforeHeader != "/dev/null" {
		t.Errorf("new file diff must use /dev/null before header, got %q", result.Diff[0].BeforeHeader)
	}
	if result.Diff[0].AfterHeader != wantFile {
		t.Errorf("after header = %q", result.Diff[0].AfterHeader)
	}
}

func TestExecuteMultipleLinesShareOneFile(t *testing.T) {
	p := newFakeProvider(nil)
	lines := []interface{}{
		"deb https://download.docker.com/linux/ubuntu focal stable",
		"deb https://pkg.example.org/debian bookworm main",
	}
	m := newModule(map[string]interface{}{"repo": lines})

	result, err := runModule(t, m, testContext(t, p, false))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Changed {
		t.Error("expected changed result")
	}

	// One invocation resolves its target file once; every line lands there.
	added := result.Extra["sources_added"].([]string)
	if len(added) != 1 {
		t.Fatalf("sources_added = %v, want exactly one new filename", added)
	}
	content := p.files[added[0]]
	for _, line := range lines {
		if !strings.Contains(content, line.(string)) {
			t.Errorf("file %s missing line %q, content: %q", added[0], line, content)
		}
	}
	if removed := result.Extra["sources_removed"].([]string); len(removed) != 0 {
		t.Errorf("sources_removed = %v, want empty", removed)
	}
	if len(result.Diff) == 0 {
		t.Error("expected a non-empty diff")
	}
}

func TestExecuteFilenameOverride(t *testing.T) {
	p := newFakeProvider(map[string]string{"/etc/apt/sources.list": ""})
	m := newModule(map[string]interface{}{
		"repo":     "deb https://download.docker.com/linux/ubuntu focal stable",
		"filename": "docker",
	})

	if _, err := runModule(t, m, testContext(t, p, false)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := p.files["/etc/apt/sources.list.d/docker.list"]; !ok {
		t.Errorf("expected docker.list, files: %v", p.files)
	}
}

func TestExecuteIdempotentAdd(t *testing.T) {
	line := "deb https://deb.example.org stable main"
	p := newFakeProvider(map[string]string{
		"/etc/apt/sources.list": line + "\n",
	})
	m := newModule(map[string]interface{}{"repo": line})

	result, err := runModule(t, m, testContext(t, p, false))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Changed {
		t.Error("expected unchanged result when line already present")
	}
	if len(p.writes) != 0 {
		t.Errorf("expected no writes, got %v", p.writes)
	}
	if len(result.Diff) != 0 {
		t.Errorf("expected no diff, got %v", result.Diff)
	}
}

func TestExecuteRemovesLine(t *testing.T) {
	line := "deb https://deb.example.org stable main"
	p := newFakeProvider(map[string]string{
		"/etc/apt/sources.list":                "deb https://archive.ubuntu.com/ubuntu focal main\n" + line + "\n",
		"/etc/apt/sources.list.d/example.list": line + "\n",
	})
	m := newModule(map[string]interface{}{"state": "absent", "repo": line})

	result, err := runModule(t, m, testContext(t, p, false))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Changed {
		t.Error("expected changed result")
	}

	if got := p.files["/etc/apt/sources.list"]; strings.Contains(got, "deb.example.org") {
		t.Errorf("line still present: %q", got)
	}
	// A file emptied of repo lines is deleted, not left blank.
	if _, ok := p.files["/etc/apt/sources.list.d/example.list"]; ok {
		t.Error("expected emptied fragment file to be deleted")
	}
	removed := result.Extra["sources_removed"].([]string)
	if len(removed) != 1 || removed[0] != "/etc/apt/sources.list.d/example.list" {
		t.Errorf("sources_removed = %v", removed)
	}
}

func TestExecuteRemovesByRegexp(t *testing.T) {
	p := newFakeProvider(map[string]string{
		"/etc/apt/sources.list": "deb https://keep.example.org stable main\ndeb https://drop.example.org stable main\n",
	})
	m := newModule(map[string]interface{}{"state": "absent", "regexp": `drop\.example\.org`})

	result, err := runModule(t, m, testContext(t, p, false))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Changed {
		t.Error("expected changed result")
	}
	got := p.files["/etc/apt/sources.list"]
	if strings.Contains(got, "drop.example.org") || !strings.Contains(got, "keep.example.org") {
		t.Errorf("unexpected content: %q", got)
	}
}

func TestExecuteCheckModeMakesNoWrites(t *testing.T) {
	p := newFakeProvider(map[string]string{"/etc/apt/sources.list": ""})
	m := newModule(map[string]interface{}{
		"repo": "deb https://deb.example.org stable main",
	})

	result, err := runModule(t, m, testContext(t, p, true))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Changed {
		t.Error("check mode must still report the would-be change")
	}
	if len(result.Diff) == 0 {
		t.Error("check mode must still report the diff")
	}
	if len(p.writes) != 0 || len(p.removed) != 0 {
		t.Errorf("check mode must not touch the target: writes=%v removed=%v", p.writes, p.removed)
	}
}

func TestUpdateCacheRetriesThenFails(t *testing.T) {
	p := newFakeProvider(map[string]string{"/etc/apt/sources.list": ""})
	p.updateFailures = -1

	m := newModule(map[string]interface{}{
		"repo":                 "deb https://deb.example.org stable main",
		"update_cache":         true,
		"update_cache_retries": 3,
	})

	var slept int
	m.sleep = func(context.Context, time.Duration) error {
		slept++
		return nil
	}

	_, err := runModule(t, m, testContext(t, p, false))
	if err == nil {
		t.Fatal("expected cache refresh failure")
	}
	var failure *provider.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected provider failure, got %T", err)
	}
	if !strings.HasPrefix(failure.Message, "Failed to update apt cache:") {
		t.Errorf("failure message = %q", failure.Message)
	}

	updates := 0
	for _, cmd := range p.cmds {
		if cmd == "apt-get update" {
			updates++
		}
	}
	if updates != 3 {
		t.Errorf("expected 3 refresh attempts, got %d", updates)
	}
	// No sleep after the final attempt.
	if slept != 2 {
		t.Errorf("expected 2 backoff sleeps, got %d", slept)
	}
}

func TestUpdateCacheRecoversAfterRetry(t *testing.T) {
	p := newFakeProvider(map[string]string{"/etc/apt/sources.list": ""})
	p.updateFailures = 1

	m := newModule(map[string]interface{}{
		"repo":         "deb https://deb.example.org stable main",
		"update_cache": true,
	})

	if _, err := runModule(t, m, testContext(t, p, false)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestCompensationRollsBackCreatedFiles(t *testing.T) {
	original := "deb https://archive.ubuntu.com/ubuntu focal main\n"
	p := newFakeProvider(map[string]string{"/etc/apt/sources.list": original})
	p.updateFailures = -1

	m := newModule(map[string]interface{}{
		"repo":                 "deb https://download.docker.com/linux/ubuntu focal stable",
		"update_cache":         true,
		"update_cache_retries": 1,
	})

	_, err := runModule(t, m, testContext(t, p, false))
	if err == nil {
		t.Fatal("expected run failure")
	}

	// The fragment file created by this run is rolled back.
	for name := range p.files {
		if strings.Contains(name, "docker") {
			t.Errorf("created file %s survived compensation", name)
		}
	}
	if got := p.files["/etc/apt/sources.list"]; got != original {
		t.Errorf("sources.list = %q, want original content restored", got)
	}
}

func TestCompensationSkippedBeforePersist(t *testing.T) {
	// A failure before any mutation must not trigger rollback writes.
	p := newFakeProvider(map[string]string{"/etc/apt/sources.list": ""})
	m := newModule(map[string]interface{}{
		"repo": "deb https://deb.example.org stable main",
	})

	c := testContext(t, p, true)
	if _, err := runModule(t, m, c); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	before := len(p.writes)
	m.Compensate(context.Background(), c)
	if len(p.writes) != before || len(p.removed) != 0 {
		t.Error("compensation must be a no-op when nothing was persisted")
	}
}

func TestDeriveFilename(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{
			line: "deb https://download.docker.com/linux/ubuntu focal stable",
			want: "download_docker_com_linux_ubuntu_focal_stable",
		},
		{
			line: "deb-src [arch=amd64] https://deb.example.org stable main",
			want: "deb_example_org_stable_main",
		},
		{
			line: "deb ://",
			want: "repo",
		},
	}

	for _, tt := range tests {
		if got := deriveFilename(tt.line); got != tt.want {
			t.Errorf("deriveFilename(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestValidRepoLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"deb https://deb.example.org stable main", true},
		{"deb-src https://deb.example.org stable main", true},
		{"[arch=amd64] deb https://deb.example.org stable main", true},
		{"rpm https://deb.example.org stable main", false},
		{"", false},
		{"   ", false},
	}

	for _, tt := range tests {
		if got := validRepoLine(tt.line); got != tt.want {
			t.Errorf("validRepoLine(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestRepoLines(t *testing.T) {
	got := repoLines([]interface{}{" deb a ", "", "deb b"})
	if len(got) != 2 || got[0] != "deb a" || got[1] != "deb b" {
		t.Errorf("repoLines() = %v", got)
	}
	if lines := repoLines(nil); len(lines) != 0 {
		t.Errorf("repoLines(nil) = %v", lines)
	}
}

func TestRepoLinesSingleString(t *testing.T) {
	got := repoLines(fmt.Sprintf("  %s  ", "deb https://deb.example.org stable main"))
	if len(got) != 1 || got[0] != "deb https://deb.example.org stable main" {
		t.Errorf("repoLines() = %v", got)
	}
}

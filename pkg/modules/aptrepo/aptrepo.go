// Package aptrepo implements the apt_repository module: idempotent,
// line-based management of apt repository declarations across the target's
// source list files, with optional cache refresh and best-effort rollback
// when a change cannot be completed.
package aptrepo

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"math"
	"math/rand"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/steward-sh/steward/pkg/module"
)

// ModuleName is the registered module identifier.
const ModuleName = "apt_repository"

// errRepoFormat is the rejection message for malformed repository lines.
const errRepoFormat = "Repository line must start with 'deb' or 'deb-src'"

// Params are the module parameters.
type Params struct {
	// State is the desired state of the repository lines.
	State string `yaml:"state" validate:"omitempty,oneof=present absent"`

	// Repo is one repository line or a list of them. Required for present.
	Repo interface{} `yaml:"repo"`

	// Regexp removes matching lines; only valid with absent, mutually
	// exclusive with Repo.
	Regexp string `yaml:"regexp"`

	// Filename overrides the target file for added lines.
	Filename string `yaml:"filename"`

	// Mode is the file mode applied to written files (e.g. "0644").
	Mode string `yaml:"mode"`

	// UpdateCache refreshes the package cache after a change.
	UpdateCache bool `yaml:"update_cache"`

	// UpdateCacheRetries bounds cache refresh attempts. Default 5.
	UpdateCacheRetries int `yaml:"update_cache_retries" validate:"omitempty,min=1"`

	// UpdateCacheRetryMaxDelay caps the backoff delay in seconds. Default 12.
	UpdateCacheRetryMaxDelay float64 `yaml:"update_cache_retry_max_delay" validate:"omitempty,min=0"`

	// CheckMode overrides the context's dry-run flag for this task.
	CheckMode *bool `yaml:"check_mode"`
}

// Module is one apt_repository instance, owned by a single task-target pair.
type Module struct {
	raw    map[string]interface{}
	params Params

	repos  []string
	re     *regexp.Regexp
	mode   fs.FileMode
	jitter float64

	sourceList  string
	sourceParts []string
	idx         *sourcesIndex

	// snapshot is the deep copy of the pre-run in-memory representation,
	// kept for compensation.
	snapshot map[string]string

	// persisted is set once Execute has started mutating the target.
	persisted bool

	// sleep is replaceable in tests.
	sleep func(context.Context, time.Duration) error
}

// Factory constructs a fresh module instance from raw parameters.
func Factory(params map[string]interface{}) (module.Module, error) {
	return &Module{raw: params, sleep: sleepCtx}, nil
}

// Register adds the module to a registry.
func Register(r *module.Registry) error {
	return r.Register(ModuleName, Factory)
}

// Name returns the module identifier.
func (m *Module) Name() string { return ModuleName }

// Check validates parameters and target preconditions. It performs exactly
// two read-only probes (apt-get and apt-config) plus the apt configuration
// read; any failure aborts before mutation.
func (m *Module) Check(ctx context.Context, c *module.Context) error {
	if err := module.DecodeParams(m.raw, &m.params); err != nil {
		return err
	}
	if m.params.State == "" {
		m.params.State = "present"
	}
	if m.params.UpdateCacheRetries == 0 {
		m.params.UpdateCacheRetries = 5
	}
	if m.params.UpdateCacheRetryMaxDelay == 0 {
		m.params.UpdateCacheRetryMaxDelay = 12
	}

	m.repos = repoLines(m.params.Repo)

	if m.params.State == "present" && m.params.Regexp != "" {
		return module.NewValidationError("regexp cannot be combined with state=present")
	}
	if m.params.Regexp != "" && len(m.repos) > 0 {
		return module.NewValidationError("repo and regexp are mutually exclusive")
	}
	if m.params.Regexp != "" {
		re, err := regexp.Compile(m.params.Regexp)
		if err != nil {
			return module.NewValidationError("invalid regexp %q: %v", m.params.Regexp, err)
		}
		m.re = re
	}
	if m.params.Mode != "" {
		mode, err := strconv.ParseUint(m.params.Mode, 8, 32)
		if err != nil {
			return module.NewValidationError("invalid mode %q", m.params.Mode)
		}
		m.mode = fs.FileMode(mode)
	}

	for _, tool := range []string{"apt-get", "apt-config"} {
		resp, err := c.Provider.ExecSafe(ctx, fmt.Sprintf("command -v %s > /dev/null 2>&1; echo $?", tool))
		if err != nil {
			return err
		}
		if resp.Code != 0 || strings.TrimSpace(resp.Stdout) != "0" {
			return module.NewPreconditionError("%s is not available on the target", tool)
		}
	}

	if m.params.State == "present" {
		if len(m.repos) == 0 {
			return module.NewValidationError("repo is required for state=present")
		}
		for _, line := range m.repos {
			if !validRepoLine(line) {
				return module.NewValidationError("%s", errRepoFormat)
			}
		}
	}

	resp, err := c.Provider.Exec(ctx, "apt-config dump")
	if err != nil {
		return err
	}
	cfg := ParseAptConfig(resp.Stdout)
	m.sourceList = cfg.SourceList()
	m.sourceParts = cfg.SourceParts()
	return nil
}

// Initialize loads the in-memory map of every recognized source file.
func (m *Module) Initialize(ctx context.Context, c *module.Context) error {
	idx, err := loadSources(ctx, c.Provider, m.sourceList, m.sourceParts)
	if err != nil {
		return err
	}
	m.idx = idx
	return nil
}

// Execute applies the declared state, persists changed files, and optionally
// refreshes the package cache.
func (m *Module) Execute(ctx context.Context, c *module.Context) (*module.Result, error) {
	checkMode := c.CheckMode
	if m.params.CheckMode != nil {
		checkMode = *m.params.CheckMode
	}
	m.jitter = rand.Float64()

	before := m.idx.dump()
	m.snapshot = maps.Clone(before)

	switch m.params.State {
	case "present":
		filename := m.targetFilename()
		for _, line := range m.repos {
			m.idx.add(line, filename)
		}
	case "absent":
		if len(m.repos) > 0 {
			for _, line := range m.repos {
				m.idx.removeLine(line)
			}
		} else if m.re != nil {
			m.idx.removeRegexp(m.re)
		}
	}

	after := m.idx.dump()
	changed := !maps.Equal(before, after)

	result := &module.Result{Changed: changed}
	result.SetExtra("repo", m.params.Repo)
	result.SetExtra("state", m.params.State)
	result.SetExtra("sources_added", missingFrom(after, before))
	result.SetExtra("sources_removed", missingFrom(before, after))
	if changed {
		result.Diff = diffRecords(before, after)
	}

	if changed && !checkMode {
		m.persisted = true
		if err := m.idx.persist(ctx, c.Provider, before, m.mode); err != nil {
			return nil, err
		}
		if m.params.UpdateCache {
			if err := m.refreshCache(ctx, c); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// Compensate rolls back a partially applied change: files created by this
// run are deleted, previously existing changed files are restored, and the
// pre-run snapshot is force-saved regardless of earlier steps' success.
// Compensation errors are swallowed; the original error propagates.
func (m *Module) Compensate(ctx context.Context, c *module.Context) {
	if !m.persisted || m.snapshot == nil {
		return
	}
	logger := c.Logger.WithModule(ModuleName)
	logger.Warn("rolling back source file changes")

	current := m.idx.dump()
	for name := range current {
		if _, existed := m.snapshot[name]; !existed {
			if err := removeFile(ctx, c.Provider, name); err != nil {
				logger.WithError(err).Debugf("rollback: failed to delete %s", name)
			}
		}
	}
	for name, orig := range m.snapshot {
		if current[name] != orig {
			if err := writeFile(ctx, c.Provider, name, orig, m.mode); err != nil {
				logger.WithError(err).Debugf("rollback: failed to restore %s", name)
			}
		}
	}

	// Force-save the pre-run snapshot even if the steps above failed.
	m.idx.restore(m.snapshot)
	for name, content := range m.snapshot {
		if content == "" {
			continue
		}
		if err := writeFile(ctx, c.Provider, name, content, m.mode); err != nil {
			logger.WithError(err).Debugf("rollback: failed to save %s", name)
		}
	}
}

// Cleanup releases nothing; the in-memory map dies with the instance.
func (m *Module) Cleanup(context.Context, *module.Context) error { return nil }

// refreshCache runs `apt-get update`, retrying with capped exponential
// backoff. One jitter fraction is shared across the whole execution. All
// attempts failing is a fatal reported failure carrying the last error text.
func (m *Module) refreshCache(ctx context.Context, c *module.Context) error {
	var lastErr error
	for attempt := 0; attempt < m.params.UpdateCacheRetries; attempt++ {
		if _, err := c.Provider.Exec(ctx, "apt-get update"); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == m.params.UpdateCacheRetries-1 {
			break
		}
		delay := math.Min(math.Pow(2, float64(attempt))+m.jitter, m.params.UpdateCacheRetryMaxDelay+m.jitter)
		if err := m.sleep(ctx, time.Duration(delay*float64(time.Second))); err != nil {
			return err
		}
	}
	return c.Provider.Fail(ctx, fmt.Sprintf("Failed to update apt cache: %v", lastErr))
}

// targetFilename resolves the single file this invocation's lines are added
// to: the explicit filename override, or a name derived from the first repo
// line, placed in the first fragment directory. One invocation never creates
// more than one file.
func (m *Module) targetFilename() string {
	name := m.params.Filename
	if name == "" {
		name = deriveFilename(m.repos[0])
	}
	if !strings.HasSuffix(name, ".list") {
		name += ".list"
	}
	if !path.IsAbs(name) {
		name = path.Join(m.sourceParts[0], name)
	}
	return name
}

// optionPrefix matches a bracketed option group.
var optionPrefix = regexp.MustCompile(`\[[^\]]*\]\s*`)

// validRepoLine reports whether a line's first whitespace-delimited token
// (after stripping any bracketed option prefix) is deb or deb-src.
func validRepoLine(line string) bool {
	line = optionPrefix.ReplaceAllString(strings.TrimSpace(line), "")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	return fields[0] == "deb" || fields[0] == "deb-src"
}

// nonWord matches every character not usable in a derived filename.
var nonWord = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// deriveFilename builds a stable filename stem from a repo line: the URI and
// suite with every non-alphanumeric run collapsed to an underscore.
func deriveFilename(line string) string {
	line = optionPrefix.ReplaceAllString(strings.TrimSpace(line), "")
	fields := strings.Fields(line)
	if len(fields) > 0 && (fields[0] == "deb" || fields[0] == "deb-src") {
		fields = fields[1:]
	}
	stem := strings.Join(fields, " ")
	if i := strings.Index(stem, "://"); i >= 0 {
		stem = stem[i+3:]
	}
	stem = strings.Trim(nonWord.ReplaceAllString(stem, "_"), "_")
	if stem == "" {
		stem = "repo"
	}
	return stem
}

// repoLines normalizes the repo parameter into trimmed, non-empty lines.
func repoLines(repo interface{}) []string {
	var lines []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			lines = append(lines, s)
		}
	}
	switch v := repo.(type) {
	case nil:
	case string:
		add(v)
	case []interface{}:
		for _, item := range v {
			add(fmt.Sprint(item))
		}
	case []string:
		for _, item := range v {
			add(item)
		}
	default:
		add(fmt.Sprint(v))
	}
	return lines
}

// missingFrom returns the sorted filenames present in a but not in b.
func missingFrom(a, b map[string]string) []string {
	var names []string
	for name := range a {
		if _, ok := b[name]; !ok {
			names = append(names, name)
		}
	}
	if names == nil {
		names = []string{}
	}
	sort.Strings(names)
	return names
}

// diffRecords computes per-file unified-diff-style records for every
// filename whose content differs between the snapshots.
func diffRecords(before, after map[string]string) []module.DiffRecord {
	names := map[string]struct{}{}
	for name := range before {
		names[name] = struct{}{}
	}
	for name := range after {
		names[name] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	var records []module.DiffRecord
	for _, name := range ordered {
		b, hadBefore := before[name]
		a, hasAfter := after[name]
		if hadBefore && hasAfter && b == a {
			continue
		}
		rec := module.DiffRecord{Before: b, After: a, BeforeHeader: name, AfterHeader: name}
		if !hadBefore {
			rec.BeforeHeader = "/dev/null"
		}
		if !hasAfter {
			rec.AfterHeader = "/dev/null"
		}
		records = append(records, rec)
	}
	return records
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

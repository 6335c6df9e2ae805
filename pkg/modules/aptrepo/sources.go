package aptrepo

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"regexp"
	"sort"
	"strings"

	"github.com/steward-sh/steward/pkg/provider"
)

// sourcesIndex is the in-memory representation of every recognized source
// file on the target: filename -> content. It is loaded during Initialize
// and is garbage at task-target lifetime end.
type sourcesIndex struct {
	files map[string]string
}

// loadSources builds the index for the main source list and every *.list
// file under the fragment directories.
func loadSources(ctx context.Context, p provider.Provider, sourceList string, sourceParts []string) (*sourcesIndex, error) {
	idx := &sourcesIndex{files: make(map[string]string)}

	names := []string{sourceList}
	for _, dir := range sourceParts {
		resp, err := p.ExecSafe(ctx, fmt.Sprintf("find %s -maxdepth 1 -type f -name '*.list' 2>/dev/null", shellQuote(dir)))
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(resp.Stdout, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				names = append(names, line)
			}
		}
	}

	for _, name := range names {
		resp, err := p.ExecSafe(ctx, fmt.Sprintf("cat %s 2>/dev/null", shellQuote(name)))
		if err != nil {
			return nil, err
		}
		if resp.Code != 0 {
			// Missing file: not part of the index until something adds to it.
			continue
		}
		idx.files[name] = resp.Stdout
	}
	return idx, nil
}

// dump snapshots the index as filename -> content.
func (s *sourcesIndex) dump() map[string]string {
	return maps.Clone(s.files)
}

// restore replaces the index with the given snapshot.
func (s *sourcesIndex) restore(snapshot map[string]string) {
	s.files = maps.Clone(snapshot)
}

// contains reports whether any file carries the exact repo line.
func (s *sourcesIndex) contains(line string) bool {
	line = strings.TrimSpace(line)
	for _, content := range s.files {
		for _, l := range strings.Split(content, "\n") {
			if strings.TrimSpace(l) == line {
				return true
			}
		}
	}
	return false
}

// add appends a repo line to filename unless some file already carries it.
func (s *sourcesIndex) add(line, filename string) {
	if s.contains(line) {
		return
	}
	content := s.files[filename]
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	s.files[filename] = content + strings.TrimSpace(line) + "\n"
}

// removeLine deletes every occurrence of the exact repo line across all files.
func (s *sourcesIndex) removeLine(line string) {
	line = strings.TrimSpace(line)
	s.removeMatching(func(l string) bool {
		return strings.TrimSpace(l) == line
	})
}

// removeRegexp deletes every line matching re across all files.
func (s *sourcesIndex) removeRegexp(re *regexp.Regexp) {
	s.removeMatching(func(l string) bool {
		return re.MatchString(l)
	})
}

func (s *sourcesIndex) removeMatching(match func(string) bool) {
	for name, content := range s.files {
		lines := strings.Split(content, "\n")
		kept := lines[:0]
		removed := false
		for _, l := range lines {
			if l != "" && match(l) {
				removed = true
				continue
			}
			kept = append(kept, l)
		}
		if !removed {
			continue
		}
		out := strings.Join(kept, "\n")
		if strings.TrimSpace(out) == "" {
			// A file emptied of repo lines is removed, not left blank.
			delete(s.files, name)
			continue
		}
		s.files[name] = out
	}
}

// filenames returns the sorted filenames currently in the index.
func (s *sourcesIndex) filenames() []string {
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// persist writes every file whose content differs from the before snapshot
// and deletes files that became empty. Untouched files are left alone.
func (s *sourcesIndex) persist(ctx context.Context, p provider.Provider, before map[string]string, mode fs.FileMode) error {
	for _, name := range s.filenames() {
		content := s.files[name]
		prev, existed := before[name]
		if existed && prev == content {
			continue
		}
		if content == "" {
			if err := removeFile(ctx, p, name); err != nil {
				return err
			}
			delete(s.files, name)
			continue
		}
		if err := writeFile(ctx, p, name, content, mode); err != nil {
			return err
		}
	}
	// Files dropped from the index entirely (emptied by removeMatching and
	// cleared) are deleted above; files present before but no longer in the
	// index are deleted here.
	for name := range before {
		if _, ok := s.files[name]; !ok {
			if err := removeFile(ctx, p, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeFile places content at path, preferring the provider's direct file
// transfer capability and falling back to a shell here-document.
func writeFile(ctx context.Context, p provider.Provider, path, content string, mode fs.FileMode) error {
	if fw, ok := p.(provider.FileWriter); ok {
		return fw.WriteFile(ctx, path, content, mode)
	}
	cmd := fmt.Sprintf("cat > %s << 'STEWARD_EOF'\n%sSTEWARD_EOF", shellQuote(path), content)
	if _, err := p.Exec(ctx, cmd); err != nil {
		return err
	}
	if mode != 0 {
		if _, err := p.Exec(ctx, fmt.Sprintf("chmod %o %s", mode, shellQuote(path))); err != nil {
			return err
		}
	}
	return nil
}

// removeFile deletes path on the target.
func removeFile(ctx context.Context, p provider.Provider, path string) error {
	_, err := p.Exec(ctx, fmt.Sprintf("rm -f %s", shellQuote(path)))
	return err
}

// shellQuote single-quotes a path for safe shell interpolation.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

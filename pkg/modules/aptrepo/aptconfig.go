package aptrepo

import (
	"path"
	"regexp"
	"strings"
)

// AptConfig is the parsed output of `apt-config dump`. Repeated keys collapse
// into an ordered list of values.
type AptConfig map[string][]string

// configLine matches one `Key "value";` line of apt-config dump output.
var configLine = regexp.MustCompile(`^(\S+)\s+"(.*)";$`)

// ParseAptConfig parses apt-config dump output. Lines that do not match the
// `key "value";` shape are ignored.
func ParseAptConfig(out string) AptConfig {
	cfg := make(AptConfig)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := configLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		cfg[m[1]] = append(cfg[m[1]], m[2])
	}
	return cfg
}

// First returns the first value for key, or def when the key is absent or
// empty.
func (c AptConfig) First(key, def string) string {
	if vals := c[key]; len(vals) > 0 && vals[0] != "" {
		return vals[0]
	}
	return def
}

// All returns every value for key, or the defaults when the key is absent.
func (c AptConfig) All(key string, def ...string) []string {
	if vals := c[key]; len(vals) > 0 {
		return vals
	}
	return def
}

// etcDir resolves apt's configuration directory. apt-config reports Dir::Etc
// relative to Dir, both of which may be overridden.
func (c AptConfig) etcDir() string {
	root := c.First("Dir", "/")
	etc := c.First("Dir::Etc", "etc/apt")
	return resolvePath(root, etc)
}

// SourceList resolves the path of the main source list file.
func (c AptConfig) SourceList() string {
	return resolvePath(c.etcDir(), c.First("Dir::Etc::sourcelist", "sources.list"))
}

// SourceParts resolves the directories holding fragment source files.
func (c AptConfig) SourceParts() []string {
	parts := c.All("Dir::Etc::sourceparts", "sources.list.d")
	resolved := make([]string, len(parts))
	for i, p := range parts {
		resolved[i] = resolvePath(c.etcDir(), p)
	}
	return resolved
}

// resolvePath joins rel onto base unless rel is already absolute.
func resolvePath(base, rel string) string {
	if path.IsAbs(rel) {
		return rel
	}
	return path.Join(base, rel)
}

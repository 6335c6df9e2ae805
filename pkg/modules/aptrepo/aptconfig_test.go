package aptrepo

import "testing"

func TestParseAptConfig(t *testing.T) {
	out := `Dir "/";
Dir::Etc "etc/apt";
Dir::Etc::sourcelist "sources.list";
Dir::Etc::sourceparts "sources.list.d";
APT::Architectures "";
APT::Architectures:: "amd64";
APT::Architectures:: "i386";
garbage line without value
`
	cfg := ParseAptConfig(out)

	if got := cfg.First("Dir", ""); got != "/" {
		t.Errorf("Dir = %q", got)
	}
	// Repeated keys accumulate in order.
	arches := cfg.All("APT::Architectures::")
	if len(arches) != 2 || arches[0] != "amd64" || arches[1] != "i386" {
		t.Errorf("repeated key values = %v", arches)
	}
	if _, ok := cfg["garbage"]; ok {
		t.Error("unparseable lines must be ignored")
	}
}

func TestAptConfigDefaults(t *testing.T) {
	cfg := ParseAptConfig("")

	if got := cfg.SourceList(); got != "/etc/apt/sources.list" {
		t.Errorf("SourceList() = %q", got)
	}
	parts := cfg.SourceParts()
	if len(parts) != 1 || parts[0] != "/etc/apt/sources.list.d" {
		t.Errorf("SourceParts() = %v", parts)
	}
}

func TestAptConfigEmptyValueFallsBack(t *testing.T) {
	cfg := ParseAptConfig(`Dir::Etc "";`)
	if got := cfg.First("Dir::Etc", "etc/apt"); got != "etc/apt" {
		t.Errorf("First() = %q, want fallback for empty value", got)
	}
}

func TestAptConfigAbsoluteOverrides(t *testing.T) {
	out := `Dir "/";
Dir::Etc "/custom/apt";
Dir::Etc::sourcelist "main.list";
Dir::Etc::sourceparts "/srv/apt/parts";
`
	cfg := ParseAptConfig(out)

	if got := cfg.SourceList(); got != "/custom/apt/main.list" {
		t.Errorf("SourceList() = %q", got)
	}
	parts := cfg.SourceParts()
	if len(parts) != 1 || parts[0] != "/srv/apt/parts" {
		t.Errorf("SourceParts() = %v", parts)
	}
}

func TestSourcesIndexAddIsIdempotent(t *testing.T) {
	idx := &sourcesIndex{files: map[string]string{
		"/etc/apt/sources.list": "deb https://deb.example.org stable main\n",
	}}

	idx.add("deb https://deb.example.org stable main", "/etc/apt/sources.list.d/dup.list")
	if _, ok := idx.files["/etc/apt/sources.list.d/dup.list"]; ok {
		t.Error("add must not duplicate a line already present elsewhere")
	}

	idx.add("deb https://new.example.org stable main", "/etc/apt/sources.list.d/new.list")
	if got := idx.files["/etc/apt/sources.list.d/new.list"]; got != "deb https://new.example.org stable main\n" {
		t.Errorf("new file content = %q", got)
	}
}

func TestSourcesIndexAddAppendsNewline(t *testing.T) {
	idx := &sourcesIndex{files: map[string]string{
		"/etc/apt/sources.list": "deb https://deb.example.org stable main",
	}}

	idx.add("deb https://other.example.org stable main", "/etc/apt/sources.list")
	want := "deb https://deb.example.org stable main\ndeb https://other.example.org stable main\n"
	if got := idx.files["/etc/apt/sources.list"]; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

package policy

// BuiltinPolicies returns the policies every gate starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:        "require-task-name",
			Description: "Every task must carry a non-empty name so run history stays attributable",
			Severity:    SeverityError,
			Enabled:     true,
			Rego: `package steward.policies.taskname

import rego.v1

deny contains msg if {
	input.task_name == ""
	msg := sprintf("task invoking module %q has no name", [input.module])
}
`,
		},
		{
			Name:        "insecure-apt-repo",
			Description: "Flags apt repositories served over plain http",
			Severity:    SeverityWarning,
			Enabled:     true,
			Rego: `package steward.policies.aptrepo

import rego.v1

deny contains msg if {
	input.module == "apt_repository"
	repo := input.params.repo
	startswith(repo, "deb http://")
	msg := sprintf("repository %q is served over plain http", [repo])
}

deny contains msg if {
	input.module == "apt_repository"
	repo := input.params.repo
	startswith(repo, "deb-src http://")
	msg := sprintf("repository %q is served over plain http", [repo])
}
`,
		},
	}
}

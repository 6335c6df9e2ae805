// Package policy gates task execution with Rego policies. Each policy
// exposes a deny rule producing violation messages; a violation with error
// severity blocks the task before its module lifecycle starts.
package policy

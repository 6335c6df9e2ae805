// Package stores persists run history: one row per playbook run and one row
// per task outcome on each target, backed by SQLite with embedded schema
// migrations.
package stores

// Package types holds the domain entities shared across rosfleet:
// devices and their capability flags, credentials, health checks,
// snapshots, plans, jobs, audit events, and approval tokens. Types
// here carry data and JSON tags only; behavior lives in the packages
// that own each entity's lifecycle.
package types

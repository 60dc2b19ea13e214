// Package service holds the reconciliation engine and the operations built
// around it: merging grant events into the binding set, mirroring that set
// into the portal allow-list, manual removal, queries and diagnostics.
package service

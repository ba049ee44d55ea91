// package provenant provides a governance-first bi-temporal event-sourced
// object store. Typed records are appended onto an immutable event log
// under optimistic concurrency and per-row access control, queried under
// transaction-time and business-time semantics, and driven through
// declarative state machines with three-tier side effects.
// See README.md for more information.
package provenant

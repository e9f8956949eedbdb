// Command kanban runs the personal kanban processes and their operator tools.
//
//	kanban api                       serve HTTP, answer requests, broadcast events
//	kanban worker                    analyze captured tasks
//	kanban queue dead <queue>        list dead-lettered jobs
//	kanban queue requeue <queue> <id>
//	kanban events replay             print stored events
//	kanban config show               print the effective configuration
//
// Configuration comes from --config (TOML) and KANBAN_* environment variables.
package main

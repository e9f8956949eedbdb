// Package kanban holds the board protocol shared by the API and worker
// processes: request kinds and their payloads, domain event names and payloads,
// the ports the messaging core talks to, and the Service that applies board
// changes and publishes their events.
package kanban

// Package httpapi is the HTTP surface of the API process, routed with chi.
// Board changes go through kanban.Service so their events reach the event
// bus; /api/boards/{boardID}/stream relays the board room as server-sent events.
package httpapi

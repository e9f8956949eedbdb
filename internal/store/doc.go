// Package store is the SQLite persistence collaborator of the API process.
// Schema changes live in migrations/ and are applied with goose on Open.
package store

// Package sqlite implements the binding store and run log on SQLite.
// All writes are serialized through a db.Worker.
package sqlite

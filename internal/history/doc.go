// Package history stores past fetch runs in a SQLite database.
//
// Each run is one row in the fetches table, with its relay records in the
// hops table in circuit order. The database lives in the application data
// directory and is created on first use. modernc.org/sqlite is used so the
// binary stays CGO-free.
package history

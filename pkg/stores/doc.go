// Package stores provides the SQLite incident journal. It persists watchdog
// and shutdown incidents reported through telemetry lifecycle events so they
// can be queried after the process that produced them is gone. Migrations are
// embedded and applied with golang-migrate.
package stores

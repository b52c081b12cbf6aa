// Package sqlite opens the lobby database and applies its bundled schema
// history.
//
// The history combines embedded SQL scripts with one Go-bodied unit: the
// user key conversion, which substitutes host-generated 16-byte identifiers
// for the original integer keys across every referencing table.
package sqlite

// Package migrate applies versioned, ordered schema migrations to a SQL
// database.
//
// A migration set combines SQL scripts named <sequence>_<name>.sql with
// optional Go-bodied units registered at runtime. Each unit runs at most
// once per database, inside a single transaction that also records the
// unit in the version table. A run holds an advisory lock for its whole
// duration so two processes can never interleave migrations.
//
// Units flagged with the DisableForeignKeys directive perform shadow-table
// rebuilds: the engine suspends referential enforcement for the unit's
// session, executes the body, and runs the dialect's integrity check inside
// the same transaction before committing. Any violation rolls the whole
// unit back.
package migrate

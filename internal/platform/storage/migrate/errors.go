package migrate

import (
	"fmt"
	"time"
)

// DiscoveryError reports a malformed or conflicting migration source.
// It halts a run before any database contact.
type DiscoveryError struct {
	Name   string
	Reason string
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover migration %s: %s", e.Name, e.Reason)
}

// LockContention reports that another run holds the migration lock and it
// was not released within the bounded wait. Operators may retry.
type LockContention struct {
	Wait time.Duration
}

func (e *LockContention) Error() string {
	return fmt.Sprintf("migration lock not acquired within %s: another run in progress", e.Wait)
}

// ChecksumMismatch reports that an already-applied unit's source changed
// after application. Requires manual resolution; runs never proceed past it.
type ChecksumMismatch struct {
	Sequence int64
	Name     string
	Recorded []byte
	Current  []byte
}

func (e *ChecksumMismatch) Error() string {
	if len(e.Current) == 0 {
		return fmt.Sprintf("applied migration %d_%s is no longer present in the source", e.Sequence, e.Name)
	}
	return fmt.Sprintf("applied migration %d_%s was modified after application (checksum %x, recorded %x)",
		e.Sequence, e.Name, e.Current, e.Recorded)
}

// MigrationFailure reports a unit whose body failed. The unit's transaction
// was rolled back and the database is unchanged; the run halts.
type MigrationFailure struct {
	Sequence int64
	Name     string
	Cause    error
}

func (e *MigrationFailure) Error() string {
	return fmt.Sprintf("migration %d_%s failed: %v", e.Sequence, e.Name, e.Cause)
}

func (e *MigrationFailure) Unwrap() error {
	return e.Cause
}

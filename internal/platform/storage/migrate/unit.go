package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

const (
	directiveUp                 = "-- +migrate Up"
	directiveDown               = "-- +migrate Down"
	directiveDisableForeignKeys = "-- +migrate DisableForeignKeys"
)

// Unit is one versioned schema change, discovered from a SQL script or a
// registered Go-bodied migration. Units are immutable once authored; their
// checksum detects post-application edits.
type Unit struct {
	Sequence int64
	Name     string
	Checksum []byte

	// SQL holds the forward body for script units; empty for Go units.
	SQL string

	// DisableForeignKeys marks a shadow-table rebuild. The engine suspends
	// referential enforcement around the unit and verifies integrity inside
	// the transaction before committing.
	DisableForeignKeys bool

	// Run is the body of a Go unit; nil for script units.
	Run GoFunc
}

// GoFunc is a migration body expressed in Go. It runs inside the unit's
// transaction and must not commit or roll back itself.
type GoFunc func(ctx context.Context, tx *sql.Tx) error

// GoUnit registers a Go-bodied migration with an Engine. Go units share the
// sequence namespace with script units.
type GoUnit struct {
	Sequence int64
	Name     string

	// Revision feeds the unit checksum, since a function body cannot be
	// content-addressed. Bump it whenever the body's behavior changes so an
	// edit to an applied unit is caught as a checksum mismatch.
	Revision string

	DisableForeignKeys bool
	Run                GoFunc
}

func (u GoUnit) checksum() []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d/%s@%s", u.Sequence, u.Name, u.Revision)))
	return sum[:]
}

// parseFilename splits "2_token_expiration.sql" into sequence and name.
func parseFilename(filename string) (int64, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	seqText, name, found := strings.Cut(base, "_")
	if !found || name == "" {
		return 0, "", fmt.Errorf("expected <sequence>_<name>.sql")
	}
	seq, err := strconv.ParseInt(seqText, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("sequence %q is not a number", seqText)
	}
	if seq <= 0 {
		return 0, "", fmt.Errorf("sequence must be positive, got %d", seq)
	}
	return seq, name, nil
}

// parseBody extracts the forward section of a migration script and its
// directives. Content before the Up directive is header-only; content after
// a Down directive is ignored by the engine.
func parseBody(content string) (string, bool) {
	disableForeignKeys := strings.Contains(content, directiveDisableForeignKeys)

	upIdx := strings.Index(content, directiveUp)
	if upIdx == -1 {
		return content, disableForeignKeys
	}
	body := content[upIdx+len(directiveUp):]
	if downIdx := strings.Index(body, directiveDown); downIdx != -1 {
		body = body[:downIdx]
	}
	return body, disableForeignKeys
}

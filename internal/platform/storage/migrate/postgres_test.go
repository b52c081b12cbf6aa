package migrate

import "testing"

func TestPostgresLockKeyIsStable(t *testing.T) {
	first := Postgres{}.lockKey()
	second := Postgres{}.lockKey()
	if first != second {
		t.Fatalf("expected stable lock key, got %d and %d", first, second)
	}
	if first == 0 {
		t.Fatal("expected non-zero lock key")
	}
}

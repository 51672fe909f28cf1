package db

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(DriverPostgres) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(DriverSQLite) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestTimestampType(t *testing.T) {
	if got := TimestampType(DriverSQLite); got != "TIMESTAMP" {
		t.Errorf("sqlite: got %q", got)
	}
	if got := TimestampType(DriverPostgres); got != "TIMESTAMPTZ" {
		t.Errorf("pgx: got %q", got)
	}
}

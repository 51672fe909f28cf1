package db

// Driver names accepted by the storage configuration.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// IsPostgres reports whether the driver name selects PostgreSQL.
func IsPostgres(driver string) bool {
	return driver == DriverPostgres
}

// TimestampType is the column type used for wall-clock timestamps:
// TIMESTAMPTZ on PostgreSQL, TIMESTAMP on SQLite.
func TimestampType(driver string) string {
	if IsPostgres(driver) {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

package ledger

import (
	"fmt"
	"os"
)

// Driver identifies a concrete ledger backend.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// Open selects a backend using environment variables. Defaults to sqlite.
//
//	VILLAGEPOP_LEDGER_DRIVER: memory|sqlite|postgres (default sqlite)
//	VILLAGEPOP_LEDGER_SQLITE_PATH: path to sqlite file (default ./villagepop_ledger.db)
//	VILLAGEPOP_LEDGER_POSTGRES_DSN: postgres DSN when driver=postgres
func Open() (Ledger, error) {
	driver := os.Getenv("VILLAGEPOP_LEDGER_DRIVER")
	if driver == "" {
		driver = string(DriverSQLite)
	}
	switch Driver(driver) {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return NewSQLiteLedger(os.Getenv("VILLAGEPOP_LEDGER_SQLITE_PATH"))
	case DriverPostgres:
		return NewPostgresLedger(os.Getenv("VILLAGEPOP_LEDGER_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown ledger driver %s", driver)
	}
}

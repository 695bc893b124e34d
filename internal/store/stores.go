package store

// Backend names accepted by sessions.backend.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// StoreConfig selects and configures a BindingStore backend.
type StoreConfig struct {
	Backend string // BackendFile (default), BackendSQLite, BackendPostgres
	Path    string // JSON file path (file backend) or SQLite database path
	DSN     string // Postgres DSN (postgres backend only)
}

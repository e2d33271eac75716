// Local-db credential support: reads the access token the desktop IDE keeps
// in its SQLite state database. Uses modernc.org/sqlite so the relay stays
// CGO-free and cross-platform.
package auth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/poemonsense/cloudcode-relay/internal/config"

	_ "modernc.org/sqlite"
)

// The IDE persists key/value state in an ItemTable; this key holds the
// auth record.
const authStatusKey = "antigravityAuthStatus"

// AuthStatusData is the auth record stored by the IDE.
type AuthStatusData struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// openStateDB opens the IDE state database read-only. An empty path means
// the platform default.
func openStateDB(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = config.LocalStateDBPath
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("state database not found at %s; make sure the IDE is installed and you are logged in", dbPath)
	}
	return sql.Open("sqlite", dbPath+"?mode=ro")
}

// readStateValue fetches one ItemTable entry.
func readStateValue(db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM ItemTable WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no %s entry in state database", key)
	}
	return value, err
}

// GetAuthStatus reads and decodes the IDE's auth record.
func GetAuthStatus(dbPath string) (*AuthStatusData, error) {
	db, err := openStateDB(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	raw, err := readStateValue(db, authStatusKey)
	if err != nil {
		return nil, err
	}

	var status AuthStatusData
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, fmt.Errorf("failed to parse auth data: %w", err)
	}
	if status.APIKey == "" {
		return nil, fmt.Errorf("auth data missing apiKey field")
	}
	return &status, nil
}

// IsDatabaseAccessible reports whether the state database can be opened.
func IsDatabaseAccessible(dbPath string) bool {
	db, err := openStateDB(dbPath)
	if err != nil {
		return false
	}
	defer db.Close()
	return db.Ping() == nil
}

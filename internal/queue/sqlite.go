package queue

import (
	"database/sql"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens a queue table in the sqlite database at path. Writers are
// serialized through immediate transactions; readers share the WAL.
func NewSQLiteStore(path string, opts Options) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return newSQLStore(sqliteDSN(path), sqlDialect{
		driver:   "sqlite",
		blobType: "BLOB",
		configure: func(db *sql.DB) {
			db.SetMaxOpenConns(1)
		},
	}, opts)
}

func sqliteDSN(path string) string {
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(ON)")
	params.Set("_txlock", "immediate")
	return "file:" + path + "?" + params.Encode()
}

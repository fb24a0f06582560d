package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// DumpSchema returns the CREATE statements of the migrated schema, tables first, ordered
// by name. The migration bookkeeping table is left out.
func DumpSchema(db *sql.DB) (string, error) {
	query := `
		SELECT sql || ';'
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND name != 'schema_migrations'
		  AND tbl_name != 'schema_migrations'
		ORDER BY
		  CASE type
		    WHEN 'table' THEN 1
		    WHEN 'index' THEN 2
		  END,
		  name
	`

	rows, err := db.Query(query)
	if err != nil {
		return "", fmt.Errorf("querying schema: %w", err)
	}
	defer rows.Close()

	var stmts []string
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("scanning schema: %w", err)
		}
		stmts = append(stmts, stmt)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("reading schema: %w", err)
	}

	return strings.Join(stmts, "\n\n") + "\n", nil
}

// Schema returns the schema of this database.
func (s *SQLiteDatabase) Schema() (string, error) {
	return DumpSchema(s.db)
}

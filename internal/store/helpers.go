package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/QuoteRelay/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeExtra serializes the opaque extra fields for the nullable extra column.
func encodeExtra(extra map[string]string) (string, error) {
	if len(extra) == 0 {
		return "", nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("encode extra fields: %w", err)
	}
	return string(data), nil
}

// scanSubmissions drains rows of (id, nombre, telefono, moto, extra, created_at).
func scanSubmissions(rows *sql.Rows) ([]models.PendingSubmission, error) {
	defer rows.Close()
	out := []models.PendingSubmission{}
	for rows.Next() {
		var p models.PendingSubmission
		var extra sql.NullString
		if err := rows.Scan(&p.ID, &p.Nombre, &p.Telefono, &p.Moto, &extra, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan submission failed: %w", err)
		}
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &p.Extra); err != nil {
				// Keep the record deliverable; extra fields are never sent upstream
				slog.Warn("store.scanSubmissions: dropping unreadable extra fields", "id", p.ID, "error", err)
				p.Extra = nil
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions failed: %w", err)
	}
	return out, nil
}

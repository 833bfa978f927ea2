package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

type mirrorDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresMirror copies audit entries into Postgres for SQL forensics.
// The JSONL file log stays the source of truth; the mirror is an index
// over the same immutable records.
// With Redact set, the proposer's free-text reason is replaced by a
// salted hash before the record leaves the host.
type PostgresMirror struct {
	DB       mirrorDB
	HashSalt []byte
	Redact   bool
}

func (m *PostgresMirror) Append(ctx context.Context, entry models.AuditEntry) error {
	if m.Redact {
		entry.TxRequest.Reason = hashReason(entry.TxRequest.Reason, m.HashSalt)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	_, err = m.DB.Exec(ctx, `
		INSERT INTO audit_entries
		(entry_id, request_id, source, action, chain, verdict, entry_raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.TxRequest.ID, entry.TxRequest.Source, string(entry.TxRequest.Action),
		string(entry.TxRequest.Chain), string(entry.Verdict), raw, entry.Timestamp)
	return err
}

// Recent reads mirrored entries for one proposer, oldest first.
func (m *PostgresMirror) Recent(ctx context.Context, source string, since time.Time) ([]models.AuditEntry, error) {
	rows, err := m.DB.Query(ctx, `
		SELECT entry_raw FROM audit_entries
		WHERE created_at >= $1 AND ($2 = '' OR source = $2)
		ORDER BY created_at ASC
	`, since, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var entry models.AuditEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("corrupt mirrored entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func hashReason(reason string, salt []byte) string {
	if reason == "" {
		return ""
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(reason))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

package audit

import (
	"context"
	"log"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
)

// Appender is the write-only side of a log.
type Appender interface {
	Append(ctx context.Context, entry models.AuditEntry) error
}

// Tee appends to a primary log and best-effort mirrors. A primary append
// failure fails the call; a mirror failure is logged and swallowed so an
// unavailable mirror cannot stall the decision pipeline.
type Tee struct {
	Primary Log
	Mirrors []Appender
}

func NewTee(primary Log, mirrors ...Appender) *Tee {
	return &Tee{Primary: primary, Mirrors: mirrors}
}

func (t *Tee) Append(ctx context.Context, entry models.AuditEntry) error {
	if err := t.Primary.Append(ctx, entry); err != nil {
		return err
	}
	for _, m := range t.Mirrors {
		if err := m.Append(ctx, entry); err != nil {
			log.Printf("audit: mirror append for %s: %v", entry.ID, err)
		}
	}
	return nil
}

func (t *Tee) Recent(ctx context.Context, source string, since time.Time) ([]models.AuditEntry, error) {
	return t.Primary.Recent(ctx, source, since)
}

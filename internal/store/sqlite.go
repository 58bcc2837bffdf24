package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dunner/internal/channel"
	"dunner/internal/followup"
	"dunner/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps one writer connection. That single-writer discipline is
// also the per-invoice serialization point: a ReplacePending transaction and
// a MarkSent update for the same invoice cannot interleave.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

var _ Store = (*sqliteStore)(nil)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ReplacePending(ctx context.Context, invoiceRef string, rows []followup.FollowUp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM followups WHERE invoice_ref = ? AND status = ?`,
		invoiceRef, string(followup.StatusPending),
	); err != nil {
		return fmt.Errorf("delete pending for %s: %w", invoiceRef, err)
	}

	for _, fu := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO followups
			   (id, company_id, invoice_ref, rule_name, channel, status, scheduled_at,
			    sent_at, failed_at, error, template_id, subject, delivery_id, created_at, updated_at)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			fu.ID, fu.CompanyID, fu.InvoiceRef, fu.RuleName, fu.Channel.String(),
			string(fu.Status), timeStr(fu.ScheduledAt),
			nullTime(fu.SentAt), nullTime(fu.FailedAt), nullStr(fu.Error),
			fu.TemplateID, nullStr(fu.Subject), nullStr(fu.DeliveryID),
			timeStr(fu.CreatedAt), timeStr(fu.UpdatedAt),
		); err != nil {
			// A single bad row must not sink the whole recompute.
			s.log.Warn("skipping follow-up row on insert failure",
				logx.String("invoice", invoiceRef),
				logx.String("rule", fu.RuleName),
				logx.Err(err),
			)
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) DuePending(ctx context.Context, companyID string, now time.Time, limit int) ([]followup.FollowUp, error) {
	q := `SELECT id, company_id, invoice_ref, rule_name, channel, status, scheduled_at,
	             sent_at, failed_at, error, template_id, subject, delivery_id, created_at, updated_at
	        FROM followups
	       WHERE status = ? AND scheduled_at <= ?`
	args := []any{string(followup.StatusPending), timeStr(now)}
	if companyID != "" {
		q += ` AND company_id = ?`
		args = append(args, companyID)
	}
	q += ` ORDER BY scheduled_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []followup.FollowUp
	for rows.Next() {
		fu, err := scanFollowUp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fu)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSent(ctx context.Context, id string, sentAt time.Time, deliveryID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE followups SET status = ?, sent_at = ?, delivery_id = ?, updated_at = ?
		  WHERE id = ? AND status = ?`,
		string(followup.StatusSent), timeStr(sentAt), deliveryID, timeStr(sentAt),
		id, string(followup.StatusPending),
	)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, failedAt time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE followups SET status = ?, failed_at = ?, error = ?, updated_at = ?
		  WHERE id = ? AND status = ?`,
		string(followup.StatusFailed), timeStr(failedAt), reason, timeStr(failedAt),
		id, string(followup.StatusPending),
	)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *sqliteStore) ArchiveFailed(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE followups SET status = ?, updated_at = ?
		  WHERE status = ? AND failed_at IS NOT NULL AND failed_at <= ?`,
		string(followup.StatusArchived), timeStr(time.Now()),
		string(followup.StatusFailed), timeStr(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM followups WHERE status IN (?, ?) AND updated_at <= ?`,
		string(followup.StatusSent), string(followup.StatusArchived), timeStr(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFollowUp(r rowScanner) (followup.FollowUp, error) {
	var (
		fu                            followup.FollowUp
		ch, status                    string
		scheduledAt, created, updated string
		sentAt, failedAt, errMsg      sql.NullString
		subject, deliveryID           sql.NullString
	)
	if err := r.Scan(&fu.ID, &fu.CompanyID, &fu.InvoiceRef, &fu.RuleName, &ch, &status,
		&scheduledAt, &sentAt, &failedAt, &errMsg, &fu.TemplateID, &subject, &deliveryID,
		&created, &updated); err != nil {
		return followup.FollowUp{}, err
	}

	kind, err := channel.ParseKind(ch)
	if err != nil {
		return followup.FollowUp{}, err
	}
	fu.Channel = kind
	fu.Status = followup.Status(status)
	fu.ScheduledAt = parseTime(scheduledAt)
	fu.CreatedAt = parseTime(created)
	fu.UpdatedAt = parseTime(updated)
	if sentAt.Valid {
		t := parseTime(sentAt.String)
		fu.SentAt = &t
	}
	if failedAt.Valid {
		t := parseTime(failedAt.String)
		fu.FailedAt = &t
	}
	fu.Error = errMsg.String
	fu.Subject = subject.String
	fu.DeliveryID = deliveryID.String
	return fu, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// timeLayout is fixed-width so string comparison in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timeStr(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeStr(*t)
}

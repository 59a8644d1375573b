package infra

import (
	"context"
	"database/sql"

	"coupon-gateway/coupon/domain"

	_ "modernc.org/sqlite"
)

// SQLiteJournal grava emissões e resgates para auditoria e reconciliação dos
// contadores por dono. É best-effort: o serviço não falha se o journal falhar.
type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// um único escritor evita SQLITE_BUSY sob carga.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteJournal{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS issued (
			sequence INTEGER PRIMARY KEY,
			owner_id TEXT NOT NULL,
			issued_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_issued_owner ON issued(owner_id)`,
		`CREATE TABLE IF NOT EXISTS redeemed (
			sequence INTEGER PRIMARY KEY,
			owner_id TEXT NOT NULL,
			redeemed_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (j *SQLiteJournal) Record(ctx context.Context, ev domain.Event) error {
	switch ev.Kind {
	case domain.EventIssued:
		_, err := j.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO issued (sequence, owner_id, issued_at, expires_at) VALUES (?, ?, ?, ?)",
			ev.Sequence, ev.OwnerID, ev.At.UTC(), ev.ExpiresAt.UTC())
		return err
	case domain.EventRedeemed:
		_, err := j.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO redeemed (sequence, owner_id, redeemed_at) VALUES (?, ?, ?)",
			ev.Sequence, ev.OwnerID, ev.At.UTC())
		return err
	}
	return nil
}

func (j *SQLiteJournal) IssuedByOwner(ctx context.Context) (map[string]int64, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT owner_id, COUNT(*) FROM issued GROUP BY owner_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var owner string
		var n int64
		if err := rows.Scan(&owner, &n); err != nil {
			return nil, err
		}
		out[owner] = n
	}
	return out, rows.Err()
}

// Truncate apaga o journal; acompanha o reset administrativo dos contadores.
func (j *SQLiteJournal) Truncate(ctx context.Context) error {
	for _, stmt := range []string{"DELETE FROM issued", "DELETE FROM redeemed"} {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (j *SQLiteJournal) Close() error { return j.db.Close() }

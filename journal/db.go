// File: journal/db.go
package journal

import (
	"Beekeeper/utilities"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Transfer kinds recorded in the journal.
const (
	KindFund    = "fund"
	KindAcquire = "acquire"
	KindRelease = "release"
	KindSweep   = "sweep"
)

// Journal is the SQLite history of every transfer the bot submits plus a row
// per orchestrator run. It is operational history, not the source of truth;
// wallet credentials live only in the snapshot store.
type Journal struct {
	db     *sql.DB
	logger *utilities.Logger
}

// TransferRow is one journaled transaction.
type TransferRow struct {
	TxID      string
	Kind      string
	Wallet    string
	Lamports  uint64
	CreatedAt time.Time
}

func New(cfg utilities.DatabaseConfig, logger *utilities.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", cfg.DBPath, err)
	}
	j := &Journal{db: db, logger: logger}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transfers (
		tx_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		wallet TEXT NOT NULL,
		lamports INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transfers_wallet ON transfers (wallet, created_at);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		stopped_at INTEGER,
		cycles INTEGER NOT NULL DEFAULT 0,
		volume_sol REAL NOT NULL DEFAULT 0,
		fees_sol REAL NOT NULL DEFAULT 0
	);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("journal: init schema: %w", err)
	}
	return nil
}

// RecordTransfer persists one submitted transaction. Journal failures are the
// caller's to log, never to escalate; the chain already has the transaction.
func (j *Journal) RecordTransfer(txID, kind, wallet string, lamports uint64) error {
	_, err := j.db.Exec(`INSERT OR REPLACE INTO transfers (tx_id, kind, wallet, lamports, created_at) VALUES (?, ?, ?, ?, ?)`,
		txID, kind, wallet, lamports, time.Now().Unix())
	return err
}

// TransfersForWallet returns a wallet's journaled history, newest first.
func (j *Journal) TransfersForWallet(wallet string, limit int) ([]TransferRow, error) {
	rows, err := j.db.Query(`SELECT tx_id, kind, wallet, lamports, created_at FROM transfers WHERE wallet = ? ORDER BY created_at DESC LIMIT ?`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query transfers: %w", err)
	}
	defer rows.Close()
	return scanTransfers(rows)
}

// RecentTransfers returns the latest journaled transactions across wallets.
func (j *Journal) RecentTransfers(limit int) ([]TransferRow, error) {
	rows, err := j.db.Query(`SELECT tx_id, kind, wallet, lamports, created_at FROM transfers ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query recent transfers: %w", err)
	}
	defer rows.Close()
	return scanTransfers(rows)
}

func scanTransfers(rows *sql.Rows) ([]TransferRow, error) {
	var out []TransferRow
	for rows.Next() {
		var row TransferRow
		var ts int64
		if err := rows.Scan(&row.TxID, &row.Kind, &row.Wallet, &row.Lamports, &ts); err != nil {
			return nil, fmt.Errorf("journal: scan transfer row: %w", err)
		}
		row.CreatedAt = time.Unix(ts, 0)
		out = append(out, row)
	}
	return out, rows.Err()
}

// StartRun opens a run row at orchestrator start.
func (j *Journal) StartRun(runID string, startedAt time.Time) error {
	_, err := j.db.Exec(`INSERT OR REPLACE INTO runs (run_id, started_at) VALUES (?, ?)`, runID, startedAt.Unix())
	return err
}

// FinishRun closes a run row with its final aggregates.
func (j *Journal) FinishRun(runID string, cycles int, volumeSol, feesSol float64) error {
	_, err := j.db.Exec(`UPDATE runs SET stopped_at = ?, cycles = ?, volume_sol = ?, fees_sol = ? WHERE run_id = ?`,
		time.Now().Unix(), cycles, volumeSol, feesSol, runID)
	return err
}

func (j *Journal) Close() error {
	return j.db.Close()
}

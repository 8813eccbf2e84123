package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/rexliu/dappbridge/pkg/core"
)

const activeAccountKey = "activeAccount"

// Store owns the SQLite database for a profile.
type Store struct {
	db          *sql.DB
	path        string
	journalMode string
	synchronous string
}

// Option tunes pragmas applied by Init.
type Option func(*Store)

// WithJournalMode sets PRAGMA journal_mode (DELETE, WAL, ...).
func WithJournalMode(mode string) Option {
	return func(s *Store) {
		if mode != "" {
			s.journalMode = strings.ToUpper(mode)
		}
	}
}

// WithSynchronous sets PRAGMA synchronous (FULL, NORMAL, ...).
func WithSynchronous(level string) Option {
	return func(s *Store) {
		if level != "" {
			s.synchronous = strings.ToUpper(level)
		}
	}
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Open initializes a SQLite database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pragmas are per connection; one connection keeps them in force and
	// serializes writers.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: path, journalMode: "DELETE", synchronous: "FULL"}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		fmt.Sprintf("PRAGMA journal_mode = %s;", s.journalMode),
		fmt.Sprintf("PRAGMA synchronous = %s;", s.synchronous),
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return s.applySchema(ctx)
}

func (s *Store) applySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS dapps (
			origin TEXT PRIMARY KEY,
			active_address TEXT,
			last_chain_id INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dapp_accounts (
			origin TEXT NOT NULL REFERENCES dapps(origin) ON DELETE CASCADE,
			address TEXT NOT NULL,
			ord INTEGER NOT NULL,
			PRIMARY KEY (origin, address)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dapp_accounts_ord ON dapp_accounts(origin, ord);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			address TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS wallet_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Load returns the record for a canonical origin.
func (s *Store) Load(ctx context.Context, origin string) (core.DappInfo, bool, error) {
	var (
		info    core.DappInfo
		active  sql.NullString
		chainID int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT origin, active_address, last_chain_id, created_at, updated_at
		FROM dapps WHERE origin = ?;
	`, origin).Scan(&info.Origin, &active, &chainID, &info.CreatedAt, &info.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.DappInfo{}, false, nil
	}
	if err != nil {
		return core.DappInfo{}, false, err
	}
	if active.Valid && active.String != "" {
		info.ActiveConnectedAddress = common.HexToAddress(active.String)
	}
	info.LastChainID = core.ChainID(chainID)
	accounts, err := s.loadAccounts(ctx, s.db, origin)
	if err != nil {
		return core.DappInfo{}, false, err
	}
	info.ConnectedAccounts = accounts
	return info, true, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) loadAccounts(ctx context.Context, q querier, origin string) ([]common.Address, error) {
	rows, err := q.QueryContext(ctx, `SELECT address FROM dapp_accounts WHERE origin = ? ORDER BY ord ASC`, origin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []common.Address
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, common.HexToAddress(addr))
	}
	return out, rows.Err()
}

// Save replaces the record and its ordered accounts in one transaction.
func (s *Store) Save(ctx context.Context, info core.DappInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var active any
	if info.HasActive() {
		active = info.ActiveConnectedAddress.Hex()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dapps(origin, active_address, last_chain_id, created_at, updated_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT(origin) DO UPDATE SET
			active_address = excluded.active_address,
			last_chain_id = excluded.last_chain_id,
			updated_at = excluded.updated_at;
	`, info.Origin, active, int64(info.LastChainID), info.CreatedAt, info.UpdatedAt); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dapp_accounts WHERE origin = ?`, info.Origin); err != nil {
		tx.Rollback()
		return err
	}
	for idx, addr := range info.ConnectedAccounts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO dapp_accounts(origin, address, ord) VALUES(?,?,?)`,
			info.Origin, addr.Hex(), idx); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Delete removes the record; accounts cascade.
func (s *Store) Delete(ctx context.Context, origin string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dapps WHERE origin = ?`, origin)
	if err := wrapRowsAffected(res, err); err != nil {
		if errors.Is(err, errNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns every record ordered by origin.
func (s *Store) List(ctx context.Context) ([]core.DappInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT origin FROM dapps ORDER BY origin ASC`)
	if err != nil {
		return nil, err
	}
	var origins []string
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			rows.Close()
			return nil, err
		}
		origins = append(origins, origin)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]core.DappInfo, 0, len(origins))
	for _, origin := range origins {
		info, ok, err := s.Load(ctx, origin)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, info)
		}
	}
	return out, nil
}

// ActiveAccount returns the wallet's selected account, or nil when none is
// selected.
func (s *Store) ActiveAccount(ctx context.Context) (*core.Account, error) {
	var acct core.Account
	var addr string
	err := s.db.QueryRowContext(ctx, `
		SELECT a.address, a.name
		FROM wallet_state w JOIN accounts a ON a.address = w.value
		WHERE w.key = ?;
	`, activeAccountKey).Scan(&addr, &acct.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	acct.Address = common.HexToAddress(addr)
	return &acct, nil
}

// SetActiveAccount stores acct (if new) and selects it.
func (s *Store) SetActiveAccount(ctx context.Context, acct core.Account) error {
	if acct.Address == (common.Address{}) {
		return core.ErrZeroAddress
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := upsertAccount(ctx, tx, acct); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_state(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value;
	`, activeAccountKey, acct.Address.Hex()); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ClearActiveAccount deselects the active account. The account stays known.
func (s *Store) ClearActiveAccount(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wallet_state WHERE key = ?`, activeAccountKey)
	return err
}

// Accounts lists every known wallet account.
func (s *Store) Accounts(ctx context.Context) ([]core.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, name FROM accounts ORDER BY created_at ASC, address ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Account
	for rows.Next() {
		var addr, name string
		if err := rows.Scan(&addr, &name); err != nil {
			return nil, err
		}
		out = append(out, core.Account{Address: common.HexToAddress(addr), Name: name})
	}
	return out, rows.Err()
}

func upsertAccount(ctx context.Context, tx *sql.Tx, acct core.Account) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts(address, name, created_at) VALUES(?,?,?)
		ON CONFLICT(address) DO UPDATE SET name = CASE WHEN excluded.name != '' THEN excluded.name ELSE accounts.name END;
	`, acct.Address.Hex(), acct.Name, time.Now().UnixMilli())
	return err
}

var errNoRows = errors.New("no rows affected")

func wrapRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return errNoRows
	}
	return nil
}

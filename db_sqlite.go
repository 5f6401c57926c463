package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer keeps the conditional quota update serialised
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE COLLATE NOCASE,
			password TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'buyer',
			tier TEXT NOT NULL DEFAULT 'free',
			scans_today INTEGER NOT NULL DEFAULT 0,
			scan_limit INTEGER NOT NULL,
			scans_reset_on TEXT NOT NULL DEFAULT '',
			banned INTEGER NOT NULL DEFAULT 0,
			referral_code TEXT NOT NULL UNIQUE,
			referred_by INTEGER REFERENCES users(id),
			created_at TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			product TEXT NOT NULL,
			score INTEGER NOT NULL,
			verdict TEXT NOT NULL,
			risk_factors TEXT NOT NULL,
			recommendations TEXT NOT NULL,
			defaulted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL);`,
		`CREATE INDEX IF NOT EXISTS scans_user_created ON scans(user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			plan TEXT NOT NULL,
			amount INTEGER NOT NULL,
			phone TEXT NOT NULL,
			checkout_request_id TEXT NOT NULL UNIQUE,
			merchant_request_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			result_code INTEGER,
			result_desc TEXT NOT NULL DEFAULT '',
			receipt TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			plan TEXT NOT NULL,
			status TEXT NOT NULL,
			payment_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			expires_at TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS referrals (
			referrer_id INTEGER NOT NULL REFERENCES users(id),
			referred_id INTEGER NOT NULL UNIQUE REFERENCES users(id),
			created_at TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS admin_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			admin_id INTEGER NOT NULL,
			target_user_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func sqliteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		if strings.Contains(msg, "users.email") {
			return ErrEmailTaken
		}
		return ErrDuplicate
	}
	return err
}

// fixed-width so stored timestamps order correctly as text
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

const sqliteUserCols = `id,email,password,role,tier,scans_today,scan_limit,scans_reset_on,banned,referral_code,referred_by,created_at`

func scanSQLiteUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var banned int
	var referredBy sql.NullInt64
	var created string
	if err := row.Scan(&u.ID, &u.Email, &u.Password, &u.Role, &u.Tier, &u.ScansToday, &u.ScanLimit, &u.ScansResetOn, &banned, &u.ReferralCode, &referredBy, &created); err != nil {
		return nil, sqliteErr(err)
	}
	u.Banned = banned != 0
	if referredBy.Valid {
		u.ReferredBy = &referredBy.Int64
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func (s *SQLiteDB) CreateUser(ctx context.Context, u *User) error {
	u.Email = strings.ToLower(u.Email)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO users(email,password,role,tier,scans_today,scan_limit,scans_reset_on,banned,referral_code,created_at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		u.Email, u.Password, u.Role, u.Tier, u.ScansToday, u.ScanLimit, u.ScansResetOn, u.Banned, u.ReferralCode, formatTime(u.CreatedAt))
	if err != nil {
		return sqliteErr(err)
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserCols+` FROM users WHERE id = ?`, id))
}

func (s *SQLiteDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserCols+` FROM users WHERE email = ?`, strings.ToLower(email)))
}

func (s *SQLiteDB) GetUserByReferralCode(ctx context.Context, code string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserCols+` FROM users WHERE referral_code = ?`, code))
}

func (s *SQLiteDB) ListUsers(ctx context.Context, limit, offset int) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteUserCols+` FROM users ORDER BY id LIMIT ? OFFSET ?`, sqliteLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []*User{}
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteDB) updateUser(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteDB) SetBanned(ctx context.Context, id int64, banned bool) error {
	return s.updateUser(ctx, `UPDATE users SET banned = ? WHERE id = ?`, banned, id)
}

func (s *SQLiteDB) SetRole(ctx context.Context, id int64, role Role) error {
	return s.updateUser(ctx, `UPDATE users SET role = ? WHERE id = ?`, role, id)
}

func (s *SQLiteDB) SetTier(ctx context.Context, id int64, tier Tier, scanLimit int) error {
	return s.updateUser(ctx, `UPDATE users SET tier = ?, scan_limit = ? WHERE id = ?`, tier, scanLimit, id)
}

func (s *SQLiteDB) ConsumeScan(ctx context.Context, id int64, day string) (int, int, bool, error) {
	var today, limit int
	err := s.db.QueryRowContext(ctx, `UPDATE users SET
			scans_today = CASE WHEN scans_reset_on = ? THEN scans_today + 1 ELSE 1 END,
			scans_reset_on = ?
		WHERE id = ? AND (scans_reset_on <> ? OR scans_today < scan_limit)
		RETURNING scans_today, scan_limit`, day, day, id, day).Scan(&today, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		u, err := s.GetUserByID(ctx, id)
		if err != nil {
			return 0, 0, false, err
		}
		return u.ScansToday, u.ScanLimit, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return today, limit, true, nil
}

func (s *SQLiteDB) RefundScan(ctx context.Context, id int64, day string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET scans_today = scans_today - 1 WHERE id = ? AND scans_reset_on = ? AND scans_today > 0`, id, day)
	return err
}

func (s *SQLiteDB) CreateScan(ctx context.Context, r *ScanRecord) error {
	product, _ := json.Marshal(r.Product)
	factors, _ := json.Marshal(r.RiskFactors)
	recs, _ := json.Marshal(r.Recommendations)
	_, err := s.db.ExecContext(ctx, `INSERT INTO scans(id,user_id,product,score,verdict,risk_factors,recommendations,defaulted,created_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, string(product), r.Score, r.Verdict, string(factors), string(recs), r.Defaulted, formatTime(r.CreatedAt))
	return sqliteErr(err)
}

const sqliteScanCols = `id,user_id,product,score,verdict,risk_factors,recommendations,defaulted,created_at`

func scanSQLiteScan(row interface{ Scan(...any) error }) (*ScanRecord, error) {
	var r ScanRecord
	var product, factors, recs, created string
	var defaulted int
	if err := row.Scan(&r.ID, &r.UserID, &product, &r.Score, &r.Verdict, &factors, &recs, &defaulted, &created); err != nil {
		return nil, sqliteErr(err)
	}
	if err := decodeScanJSON(&r, []byte(product), []byte(factors), []byte(recs)); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteDB) GetScan(ctx context.Context, id string) (*ScanRecord, error) {
	return scanSQLiteScan(s.db.QueryRowContext(ctx, `SELECT `+sqliteScanCols+` FROM scans WHERE id = ?`, id))
}

func (s *SQLiteDB) ListScans(ctx context.Context, userID int64, limit, offset int) ([]*ScanRecord, error) {
	q := `SELECT ` + sqliteScanCols + ` FROM scans`
	args := []any{}
	if userID != 0 {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, sqliteLimit(limit), offset)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*ScanRecord{}
	for rows.Next() {
		r, err := scanSQLiteScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO payments(id,user_id,plan,amount,phone,checkout_request_id,merchant_request_id,status,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.UserID, p.Plan, p.Amount, p.Phone, p.CheckoutRequestID, p.MerchantRequestID, p.Status, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	return sqliteErr(err)
}

const sqlitePaymentCols = `id,user_id,plan,amount,phone,checkout_request_id,merchant_request_id,status,result_code,result_desc,receipt,created_at,updated_at`

func scanSQLitePayment(row interface{ Scan(...any) error }) (*Payment, error) {
	var p Payment
	var code sql.NullInt64
	var created, updated string
	if err := row.Scan(&p.ID, &p.UserID, &p.Plan, &p.Amount, &p.Phone, &p.CheckoutRequestID, &p.MerchantRequestID, &p.Status, &code, &p.ResultDesc, &p.Receipt, &created, &updated); err != nil {
		return nil, sqliteErr(err)
	}
	if code.Valid {
		c := int(code.Int64)
		p.ResultCode = &c
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func (s *SQLiteDB) GetPaymentByCheckoutID(ctx context.Context, checkoutID string) (*Payment, error) {
	return scanSQLitePayment(s.db.QueryRowContext(ctx, `SELECT `+sqlitePaymentCols+` FROM payments WHERE checkout_request_id = ?`, checkoutID))
}

func (s *SQLiteDB) SettlePayment(ctx context.Context, o PaymentOutcome, term SubscriptionTerm) (*Payment, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	status := PaymentFailed
	if o.Succeeded() {
		status = PaymentCompleted
	}
	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx, `UPDATE payments SET status = ?, result_code = ?, result_desc = ?, receipt = ?, updated_at = ? WHERE checkout_request_id = ? AND status = 'pending'`,
		status, o.ResultCode, o.ResultDesc, o.Receipt, now, o.CheckoutRequestID)
	if err != nil {
		return nil, false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 && o.Succeeded() && o.Receipt != "" {
		// a success settled by status query has no receipt yet
		if _, err := tx.ExecContext(ctx, `UPDATE payments SET receipt = ?, updated_at = ? WHERE checkout_request_id = ? AND status = 'completed' AND receipt = ''`,
			o.Receipt, now, o.CheckoutRequestID); err != nil {
			return nil, false, err
		}
	}

	p, err := scanSQLitePayment(tx.QueryRowContext(ctx, `SELECT `+sqlitePaymentCols+` FROM payments WHERE checkout_request_id = ?`, o.CheckoutRequestID))
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return p, false, tx.Commit()
	}

	if o.Succeeded() {
		if _, err := tx.ExecContext(ctx, `UPDATE subscriptions SET status = 'expired' WHERE user_id = ? AND status = 'active'`, p.UserID); err != nil {
			return nil, false, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO subscriptions(id,user_id,plan,status,payment_id,started_at,expires_at) VALUES(?,?,?,'active',?,?,?)`,
			term.SubscriptionID, p.UserID, p.Plan, p.ID, formatTime(term.StartedAt), formatTime(term.ExpiresAt)); err != nil {
			return nil, false, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET tier = ?, scan_limit = ? WHERE id = ?`, p.Plan, term.ScanLimit, p.UserID); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

const sqliteSubCols = `id,user_id,plan,status,payment_id,started_at,expires_at`

func scanSQLiteSub(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	var started, expires string
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.Plan, &sub.Status, &sub.PaymentID, &started, &expires); err != nil {
		return nil, sqliteErr(err)
	}
	sub.StartedAt = parseTime(started)
	sub.ExpiresAt = parseTime(expires)
	return &sub, nil
}

func (s *SQLiteDB) GetActiveSubscription(ctx context.Context, userID int64) (*Subscription, error) {
	return scanSQLiteSub(s.db.QueryRowContext(ctx, `SELECT `+sqliteSubCols+` FROM subscriptions WHERE user_id = ? AND status = 'active' ORDER BY started_at DESC LIMIT 1`, userID))
}

func (s *SQLiteDB) CancelSubscription(ctx context.Context, userID int64, freeLimit int) (*Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sub, err := scanSQLiteSub(tx.QueryRowContext(ctx, `UPDATE subscriptions SET status = 'cancelled' WHERE user_id = ? AND status = 'active' RETURNING `+sqliteSubCols, userID))
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET tier = 'free', scan_limit = ? WHERE id = ?`, freeLimit, userID); err != nil {
		return nil, err
	}
	return sub, tx.Commit()
}

func (s *SQLiteDB) ExpireSubscriptions(ctx context.Context, now time.Time, freeLimit int) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `UPDATE subscriptions SET status = 'expired' WHERE status = 'active' AND expires_at < ? RETURNING user_id`, formatTime(now))
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET tier = 'free', scan_limit = ? WHERE id = ?`, freeLimit, id); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit()
}

func (s *SQLiteDB) CreateReferral(ctx context.Context, referrerID, referredID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO referrals(referrer_id,referred_id,created_at) VALUES(?,?,?)`, referrerID, referredID, formatTime(time.Now())); err != nil {
		return sqliteErr(err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET referred_by = ? WHERE id = ?`, referrerID, referredID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) ListReferrals(ctx context.Context, referrerID int64) ([]*Referral, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT r.referrer_id, r.referred_id, u.email, r.created_at FROM referrals r JOIN users u ON u.id = r.referred_id WHERE r.referrer_id = ? ORDER BY r.created_at`, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Referral
	for rows.Next() {
		var r Referral
		var created string
		if err := rows.Scan(&r.ReferrerID, &r.ReferredID, &r.Email, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) CreateAdminAction(ctx context.Context, a *AdminAction) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO admin_actions(admin_id,target_user_id,action,detail,created_at) VALUES(?,?,?,?,?)`,
		a.AdminID, a.TargetUserID, a.Action, a.Detail, formatTime(a.CreatedAt))
	if err != nil {
		return err
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) ListAdminActions(ctx context.Context, limit, offset int) ([]*AdminAction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,admin_id,target_user_id,action,detail,created_at FROM admin_actions ORDER BY id DESC LIMIT ? OFFSET ?`, sqliteLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*AdminAction{}
	for rows.Next() {
		var a AdminAction
		var created string
		if err := rows.Scan(&a.ID, &a.AdminID, &a.TargetUserID, &a.Action, &a.Detail, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(created)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// LIMIT -1 means no limit in SQLite
func sqliteLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }

package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDB struct {
	pool *pgxpool.Pool
	dsn  string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{pool: pool, dsn: dsn}
	if err := p.Init(); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

func pgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == "23505" {
		if strings.Contains(pe.ConstraintName, "email") {
			return ErrEmailTaken
		}
		return ErrDuplicate
	}
	return err
}

const pgUserCols = `id,email,password,role,tier,scans_today,scan_limit,scans_reset_on,banned,referral_code,referred_by,created_at`

func scanPgUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Password, &u.Role, &u.Tier, &u.ScansToday, &u.ScanLimit, &u.ScansResetOn, &u.Banned, &u.ReferralCode, &u.ReferredBy, &u.CreatedAt); err != nil {
		return nil, pgErr(err)
	}
	return &u, nil
}

func (p *PostgresDB) CreateUser(ctx context.Context, u *User) error {
	u.Email = strings.ToLower(u.Email)
	err := p.pool.QueryRow(ctx, `INSERT INTO users(email,password,role,tier,scans_today,scan_limit,scans_reset_on,banned,referral_code,created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,now()) RETURNING id, created_at`,
		u.Email, u.Password, u.Role, u.Tier, u.ScansToday, u.ScanLimit, u.ScansResetOn, u.Banned, u.ReferralCode).Scan(&u.ID, &u.CreatedAt)
	return pgErr(err)
}

func (p *PostgresDB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return scanPgUser(p.pool.QueryRow(ctx, `SELECT `+pgUserCols+` FROM users WHERE id = $1`, id))
}

func (p *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanPgUser(p.pool.QueryRow(ctx, `SELECT `+pgUserCols+` FROM users WHERE email = $1`, strings.ToLower(email)))
}

func (p *PostgresDB) GetUserByReferralCode(ctx context.Context, code string) (*User, error) {
	return scanPgUser(p.pool.QueryRow(ctx, `SELECT `+pgUserCols+` FROM users WHERE referral_code = $1`, code))
}

func (p *PostgresDB) ListUsers(ctx context.Context, limit, offset int) ([]*User, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+pgUserCols+` FROM users ORDER BY id LIMIT $1 OFFSET $2`, pgLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []*User{}
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *PostgresDB) exec(ctx context.Context, q string, args ...any) error {
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresDB) SetBanned(ctx context.Context, id int64, banned bool) error {
	return p.exec(ctx, `UPDATE users SET banned = $1 WHERE id = $2`, banned, id)
}

func (p *PostgresDB) SetRole(ctx context.Context, id int64, role Role) error {
	return p.exec(ctx, `UPDATE users SET role = $1 WHERE id = $2`, role, id)
}

func (p *PostgresDB) SetTier(ctx context.Context, id int64, tier Tier, scanLimit int) error {
	return p.exec(ctx, `UPDATE users SET tier = $1, scan_limit = $2 WHERE id = $3`, tier, scanLimit, id)
}

func (p *PostgresDB) ConsumeScan(ctx context.Context, id int64, day string) (int, int, bool, error) {
	var today, limit int
	err := p.pool.QueryRow(ctx, `UPDATE users SET
			scans_today = CASE WHEN scans_reset_on = $2 THEN scans_today + 1 ELSE 1 END,
			scans_reset_on = $2
		WHERE id = $1 AND (scans_reset_on <> $2 OR scans_today < scan_limit)
		RETURNING scans_today, scan_limit`, id, day).Scan(&today, &limit)
	if errors.Is(err, pgx.ErrNoRows) {
		u, err := p.GetUserByID(ctx, id)
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

func (p *PostgresDB) RefundScan(ctx context.Context, id int64, day string) error {
	_, err := p.pool.Exec(ctx, `UPDATE users SET scans_today = scans_today - 1 WHERE id = $1 AND scans_reset_on = $2 AND scans_today > 0`, id, day)
	return err
}

func (p *PostgresDB) CreateScan(ctx context.Context, r *ScanRecord) error {
	product, _ := json.Marshal(r.Product)
	factors, _ := json.Marshal(r.RiskFactors)
	recs, _ := json.Marshal(r.Recommendations)
	_, err := p.pool.Exec(ctx, `INSERT INTO scans(id,user_id,product,score,verdict,risk_factors,recommendations,defaulted,created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.UserID, product, r.Score, r.Verdict, factors, recs, r.Defaulted, r.CreatedAt)
	return pgErr(err)
}

const pgScanCols = `id,user_id,product,score,verdict,risk_factors,recommendations,defaulted,created_at`

func scanPgScan(row pgx.Row) (*ScanRecord, error) {
	var r ScanRecord
	var product, factors, recs []byte
	if err := row.Scan(&r.ID, &r.UserID, &product, &r.Score, &r.Verdict, &factors, &recs, &r.Defaulted, &r.CreatedAt); err != nil {
		return nil, pgErr(err)
	}
	if err := decodeScanJSON(&r, product, factors, recs); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresDB) GetScan(ctx context.Context, id string) (*ScanRecord, error) {
	return scanPgScan(p.pool.QueryRow(ctx, `SELECT `+pgScanCols+` FROM scans WHERE id = $1`, id))
}

func (p *PostgresDB) ListScans(ctx context.Context, userID int64, limit, offset int) ([]*ScanRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+pgScanCols+` FROM scans WHERE ($1 = 0 OR user_id = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, pgLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*ScanRecord{}
	for rows.Next() {
		r, err := scanPgScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresDB) CreatePayment(ctx context.Context, pay *Payment) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO payments(id,user_id,plan,amount,phone,checkout_request_id,merchant_request_id,status,created_at,updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		pay.ID, pay.UserID, pay.Plan, pay.Amount, pay.Phone, pay.CheckoutRequestID, pay.MerchantRequestID, pay.Status, pay.CreatedAt, pay.UpdatedAt)
	return pgErr(err)
}

const pgPaymentCols = `id,user_id,plan,amount,phone,checkout_request_id,merchant_request_id,status,result_code,result_desc,receipt,created_at,updated_at`

func scanPgPayment(row pgx.Row) (*Payment, error) {
	var pay Payment
	if err := row.Scan(&pay.ID, &pay.UserID, &pay.Plan, &pay.Amount, &pay.Phone, &pay.CheckoutRequestID, &pay.MerchantRequestID, &pay.Status, &pay.ResultCode, &pay.ResultDesc, &pay.Receipt, &pay.CreatedAt, &pay.UpdatedAt); err != nil {
		return nil, pgErr(err)
	}
	return &pay, nil
}

func (p *PostgresDB) GetPaymentByCheckoutID(ctx context.Context, checkoutID string) (*Payment, error) {
	return scanPgPayment(p.pool.QueryRow(ctx, `SELECT `+pgPaymentCols+` FROM payments WHERE checkout_request_id = $1`, checkoutID))
}

func (p *PostgresDB) SettlePayment(ctx context.Context, o PaymentOutcome, term SubscriptionTerm) (*Payment, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	status := PaymentFailed
	if o.Succeeded() {
		status = PaymentCompleted
	}
	pay, err := scanPgPayment(tx.QueryRow(ctx, `UPDATE payments SET status = $1, result_code = $2, result_desc = $3, receipt = $4, updated_at = now()
		WHERE checkout_request_id = $5 AND status = 'pending' RETURNING `+pgPaymentCols,
		status, o.ResultCode, o.ResultDesc, o.Receipt, o.CheckoutRequestID))
	if errors.Is(err, ErrNotFound) {
		// already settled, or never existed
		if o.Succeeded() && o.Receipt != "" {
			if _, err := p.pool.Exec(ctx, `UPDATE payments SET receipt = $1, updated_at = now()
				WHERE checkout_request_id = $2 AND status = 'completed' AND receipt = ''`, o.Receipt, o.CheckoutRequestID); err != nil {
				return nil, false, err
			}
		}
		existing, err := p.GetPaymentByCheckoutID(ctx, o.CheckoutRequestID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if o.Succeeded() {
		if _, err := tx.Exec(ctx, `UPDATE subscriptions SET status = 'expired' WHERE user_id = $1 AND status = 'active'`, pay.UserID); err != nil {
			return nil, false, err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO subscriptions(id,user_id,plan,status,payment_id,started_at,expires_at) VALUES($1,$2,$3,'active',$4,$5,$6)`,
			term.SubscriptionID, pay.UserID, pay.Plan, pay.ID, term.StartedAt, term.ExpiresAt); err != nil {
			return nil, false, err
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET tier = $1, scan_limit = $2 WHERE id = $3`, pay.Plan, term.ScanLimit, pay.UserID); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return pay, true, nil
}

const pgSubCols = `id,user_id,plan,status,payment_id,started_at,expires_at`

func scanPgSub(row pgx.Row) (*Subscription, error) {
	var s Subscription
	if err := row.Scan(&s.ID, &s.UserID, &s.Plan, &s.Status, &s.PaymentID, &s.StartedAt, &s.ExpiresAt); err != nil {
		return nil, pgErr(err)
	}
	return &s, nil
}

func (p *PostgresDB) GetActiveSubscription(ctx context.Context, userID int64) (*Subscription, error) {
	return scanPgSub(p.pool.QueryRow(ctx, `SELECT `+pgSubCols+` FROM subscriptions WHERE user_id = $1 AND status = 'active' ORDER BY started_at DESC LIMIT 1`, userID))
}

func (p *PostgresDB) CancelSubscription(ctx context.Context, userID int64, freeLimit int) (*Subscription, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	sub, err := scanPgSub(tx.QueryRow(ctx, `UPDATE subscriptions SET status = 'cancelled' WHERE user_id = $1 AND status = 'active' RETURNING `+pgSubCols, userID))
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET tier = 'free', scan_limit = $1 WHERE id = $2`, freeLimit, userID); err != nil {
		return nil, err
	}
	return sub, tx.Commit(ctx)
}

func (p *PostgresDB) ExpireSubscriptions(ctx context.Context, now time.Time, freeLimit int) ([]int64, error) {
	rows, err := p.pool.Query(ctx, `WITH expired AS (
			UPDATE subscriptions SET status = 'expired' WHERE status = 'active' AND expires_at < $1 RETURNING user_id
		)
		UPDATE users SET tier = 'free', scan_limit = $2 WHERE id IN (SELECT user_id FROM expired) RETURNING id`, now, freeLimit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (p *PostgresDB) CreateReferral(ctx context.Context, referrerID, referredID int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `INSERT INTO referrals(referrer_id,referred_id,created_at) VALUES($1,$2,now())`, referrerID, referredID); err != nil {
		return pgErr(err)
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET referred_by = $1 WHERE id = $2`, referrerID, referredID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresDB) ListReferrals(ctx context.Context, referrerID int64) ([]*Referral, error) {
	rows, err := p.pool.Query(ctx, `SELECT r.referrer_id, r.referred_id, u.email, r.created_at FROM referrals r JOIN users u ON u.id = r.referred_id WHERE r.referrer_id = $1 ORDER BY r.created_at`, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Referral
	for rows.Next() {
		var r Referral
		if err := rows.Scan(&r.ReferrerID, &r.ReferredID, &r.Email, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *PostgresDB) CreateAdminAction(ctx context.Context, a *AdminAction) error {
	return p.pool.QueryRow(ctx, `INSERT INTO admin_actions(admin_id,target_user_id,action,detail,created_at) VALUES($1,$2,$3,$4,now()) RETURNING id, created_at`,
		a.AdminID, a.TargetUserID, a.Action, a.Detail).Scan(&a.ID, &a.CreatedAt)
}

func (p *PostgresDB) ListAdminActions(ctx context.Context, limit, offset int) ([]*AdminAction, error) {
	rows, err := p.pool.Query(ctx, `SELECT id,admin_id,target_user_id,action,detail,created_at FROM admin_actions ORDER BY id DESC LIMIT $1 OFFSET $2`, pgLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*AdminAction{}
	for rows.Next() {
		var a AdminAction
		if err := rows.Scan(&a.ID, &a.AdminID, &a.TargetUserID, &a.Action, &a.Detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// LIMIT NULL means no limit in Postgres
func pgLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (p *PostgresDB) close() error { p.pool.Close(); return nil }
func (p *PostgresDB) ping() bool   { return p.pool.Ping(context.Background()) == nil }

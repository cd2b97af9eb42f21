package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"cryptocheckout/internal/asset"
	"cryptocheckout/internal/models"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

var ErrNotFound = pgx.ErrNoRows

// ErrDuplicate reports an insert that lost to an existing row under the same
// idempotency key.
var ErrDuplicate = errors.New("duplicate record")

// ErrOrderConflict reports a payment completion whose linked order was no
// longer payable (cancelled, or already paid by another payment).
var ErrOrderConflict = errors.New("order is not payable")

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func (s *Store) NextAddressIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.Pool.QueryRow(ctx, "SELECT nextval('payment_address_index_seq')").Scan(&idx)
	return idx, err
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			order_id, user_id, asset, shipping, subtotal, original_price,
			discount_percent, discount_basis, total, status, idempotency_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''))
	`,
		order.OrderID,
		order.UserID,
		string(order.Asset),
		order.Shipping.String(),
		order.Subtotal.String(),
		order.OriginalPrice.String(),
		order.DiscountPercent,
		order.DiscountBasis,
		order.Total.String(),
		order.Status,
		order.IdempotencyKey,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_orders_idempotency") {
			return ErrDuplicate
		}
		return err
	}

	for _, item := range order.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, name, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5)
		`, order.OrderID, item.ProductID, item.Name, item.Quantity, item.UnitPrice.String())
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

const orderColumns = `order_id, user_id, asset, shipping, subtotal, original_price,
	discount_percent, discount_basis, total, status, paid_at, payment_id,
	idempotency_key, created_at, updated_at`

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadOrderItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrderByIdempotencyKey replays a creation keyed by the client-supplied
// idempotency token.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id=$1 AND idempotency_key=$2
	`, userID, key)
	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadOrderItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) loadOrderItems(ctx context.Context, order *models.Order) error {
	rows, err := s.Pool.Query(ctx, `
		SELECT product_id, name, quantity, unit_price
		FROM order_items WHERE order_id=$1 ORDER BY id
	`, order.OrderID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		var unitPrice string
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Quantity, &unitPrice); err != nil {
			return err
		}
		if item.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return err
		}
		order.Items = append(order.Items, item)
	}
	return rows.Err()
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var assetStr, shipping, subtotal, original, total string
	var paidAt sql.NullTime
	var paymentID, idemKey sql.NullString

	err := row.Scan(
		&order.OrderID,
		&order.UserID,
		&assetStr,
		&shipping,
		&subtotal,
		&original,
		&order.DiscountPercent,
		&order.DiscountBasis,
		&total,
		&order.Status,
		&paidAt,
		&paymentID,
		&idemKey,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	order.Asset = asset.Asset(assetStr)
	if order.Shipping, err = decimal.NewFromString(shipping); err != nil {
		return nil, err
	}
	if order.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
		return nil, err
	}
	if order.OriginalPrice, err = decimal.NewFromString(original); err != nil {
		return nil, err
	}
	if order.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	if paymentID.Valid {
		order.PaymentID = &paymentID.String
	}
	if idemKey.Valid {
		order.IdempotencyKey = idemKey.String
	}
	return &order, nil
}

// UpdateOrderStatus moves an order from one status to another. The guard on the
// current status makes concurrent transition attempts race-safe: at most one
// caller observes a true result.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, from, to models.OrderStatus) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$3, updated_at=now()
		WHERE order_id=$1 AND status=$2
	`, orderID, from, to)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) MarkOrderPaid(ctx context.Context, orderID, paymentID string, paidAt time.Time) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status='paid', paid_at=$3, payment_id=$2, updated_at=now()
		WHERE order_id=$1 AND status='pending'
	`, orderID, paymentID, paidAt)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO payments (
			payment_id, order_id, asset, amount_crypto, network_fee, total_amount,
			address, address_index, confirmations, status, created_at, expires_at,
			idempotency_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13,''))
	`,
		p.PaymentID,
		p.OrderID,
		string(p.Asset),
		p.AmountCrypto.String(),
		p.NetworkFee.String(),
		p.TotalAmount.String(),
		p.Address,
		p.AddressIndex,
		p.Confirmations,
		p.Status,
		p.CreatedAt,
		p.ExpiresAt,
		p.IdempotencyKey,
	)
	if isUniqueViolation(err, "idx_payments_idempotency") {
		return ErrDuplicate
	}
	return err
}

const paymentColumns = `payment_id, order_id, asset, amount_crypto, network_fee, total_amount,
	address, address_index, reference_hash, confirmations, status, reason,
	idempotency_key, created_at, expires_at, confirmed_at, completed_at, updated_at`

func (s *Store) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_id=$1`, paymentID)
	return scanPayment(row)
}

func (s *Store) GetPaymentByIdempotencyKey(ctx context.Context, orderID, key string) (*models.Payment, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id=$1 AND idempotency_key=$2
	`, orderID, key)
	return scanPayment(row)
}

// GetOpenPaymentByAddress finds the newest pending or processing payment
// watching an address.
func (s *Store) GetOpenPaymentByAddress(ctx context.Context, address string) (*models.Payment, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE address=$1 AND status IN ('pending','processing')
		ORDER BY created_at DESC LIMIT 1
	`, address)
	return scanPayment(row)
}

func (s *Store) ListProcessingPayments(ctx context.Context, limit int) ([]*models.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status='processing' AND reference_hash IS NOT NULL
		ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	var assetStr, amountCrypto, networkFee, totalAmount string
	var refHash sql.NullString
	var reason, idemKey sql.NullString
	var confirmedAt, completedAt sql.NullTime

	err := row.Scan(
		&p.PaymentID,
		&p.OrderID,
		&assetStr,
		&amountCrypto,
		&networkFee,
		&totalAmount,
		&p.Address,
		&p.AddressIndex,
		&refHash,
		&p.Confirmations,
		&p.Status,
		&reason,
		&idemKey,
		&p.CreatedAt,
		&p.ExpiresAt,
		&confirmedAt,
		&completedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Asset = asset.Asset(assetStr)
	if p.AmountCrypto, err = decimal.NewFromString(amountCrypto); err != nil {
		return nil, err
	}
	if p.NetworkFee, err = decimal.NewFromString(networkFee); err != nil {
		return nil, err
	}
	if p.TotalAmount, err = decimal.NewFromString(totalAmount); err != nil {
		return nil, err
	}
	if refHash.Valid {
		p.ReferenceHash = &refHash.String
	}
	if reason.Valid {
		p.Reason = models.FailureReason(reason.String)
	}
	if idemKey.Valid {
		p.IdempotencyKey = idemKey.String
	}
	if confirmedAt.Valid {
		p.ConfirmedAt = &confirmedAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return &p, nil
}

// SetPaymentReference transitions pending -> processing and attaches the
// submitted reference. The expiry guard is part of the statement so a reaper
// racing this call cannot both lose.
func (s *Store) SetPaymentReference(ctx context.Context, paymentID, referenceHash string, now time.Time) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE payments
		SET status='processing', reference_hash=$2, updated_at=now()
		WHERE payment_id=$1 AND status='pending' AND expires_at > $3
	`, paymentID, referenceHash, now)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// UpdatePaymentConfirmations raises the stored confirmation count while the
// payment is processing. GREATEST keeps the count monotonic even when the
// upstream source reports inconsistent values.
func (s *Store) UpdatePaymentConfirmations(ctx context.Context, paymentID string, confirmations int64) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE payments
		SET confirmations=GREATEST(confirmations, $2), updated_at=now()
		WHERE payment_id=$1 AND status='processing'
	`, paymentID, confirmations)
	return err
}

// CompletePayment transitions the payment processing -> completed and the
// linked order pending -> paid in a single transaction. When the order guard
// loses (the order was cancelled or already paid by another payment) the whole
// transition rolls back with ErrOrderConflict and the payment never reaches
// completed.
func (s *Store) CompletePayment(ctx context.Context, paymentID, orderID string, confirmations int64, now time.Time) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := tx.Exec(ctx, `
		UPDATE payments
		SET status='completed', confirmations=GREATEST(confirmations, $2),
			confirmed_at=$3, completed_at=$3, updated_at=now()
		WHERE payment_id=$1 AND status='processing'
	`, paymentID, confirmations, now)
	if err != nil {
		return false, err
	}
	if res.RowsAffected() == 0 {
		return false, nil
	}

	res, err = tx.Exec(ctx, `
		UPDATE orders
		SET status='paid', paid_at=$3, payment_id=$2, updated_at=now()
		WHERE order_id=$1 AND status='pending'
	`, orderID, paymentID, now)
	if err != nil {
		return false, err
	}
	if res.RowsAffected() == 0 {
		return false, ErrOrderConflict
	}
	return true, tx.Commit(ctx)
}

func (s *Store) FailPayment(ctx context.Context, paymentID string, reason models.FailureReason) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE payments
		SET status='failed', reason=$2, updated_at=now()
		WHERE payment_id=$1 AND status IN ('pending','processing')
	`, paymentID, reason)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// FlagPaymentReason records a reason on a processing payment without changing
// its status (overpayment review).
func (s *Store) FlagPaymentReason(ctx context.Context, paymentID string, reason models.FailureReason) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE payments SET reason=$2, updated_at=now()
		WHERE payment_id=$1 AND status='processing'
	`, paymentID, reason)
	return err
}

func (s *Store) ExpirePendingPayments(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE payments
		SET status='expired', updated_at=now()
		WHERE status='pending' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) FailExpiredProcessing(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE payments
		SET status='failed', reason=$2, updated_at=now()
		WHERE status='processing' AND expires_at <= $1
	`, now, models.ReasonExpiredWhileProcessing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

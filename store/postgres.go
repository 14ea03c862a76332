package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"foodorder-svc/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&pgTx{q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	q querier
}

const orderColumns = `id, order_number, customer_email, customer_name, customer_phone, customer_id,
	fulfillment_type, delivery_zone_id, delivery_address, delivery_notes,
	subtotal, delivery_fee, discount, delivery_discount, total, promotion_code,
	status, payment_status, payment_reference, created_at, updated_at, paid_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o             models.Order
		customerID    sql.NullString
		zoneID        sql.NullString
		promotionCode sql.NullString
		paidAt        sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.CustomerEmail, &o.CustomerName, &o.CustomerPhone, &customerID,
		&o.FulfillmentType, &zoneID, &o.DeliveryAddress, &o.DeliveryNotes,
		&o.Subtotal, &o.DeliveryFee, &o.Discount, &o.DeliveryDiscount, &o.Total, &promotionCode,
		&o.Status, &o.PaymentStatus, &o.PaymentReference, &o.CreatedAt, &o.UpdatedAt, &paidAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.CustomerID = nullString(customerID)
	o.DeliveryZoneID = nullString(zoneID)
	o.PromotionCode = nullString(promotionCode)
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	return &o, nil
}

func (t *pgTx) ProductsByIDs(ctx context.Context, ids []string) (map[string]models.Product, error) {
	rows, err := t.q.QueryContext(ctx,
		"SELECT id, name, price, is_active FROM products WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	defer rows.Close()

	products := make(map[string]models.Product, len(ids))
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products[p.ID] = p
	}
	return products, rows.Err()
}

func (t *pgTx) DeliveryZone(ctx context.Context, id string) (*models.DeliveryZone, error) {
	var z models.DeliveryZone
	err := t.q.QueryRowContext(ctx,
		"SELECT id, name, base_fee, is_active FROM delivery_zones WHERE id = $1", id,
	).Scan(&z.ID, &z.Name, &z.BaseFee, &z.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery zone: %w", err)
	}
	return &z, nil
}

func (t *pgTx) PromotionForUpdate(ctx context.Context, code string) (*models.Promotion, error) {
	var (
		p           models.Promotion
		maxDiscount decimal.NullDecimal
		usageLimit  sql.NullInt64
		validFrom   sql.NullTime
		validUntil  sql.NullTime
	)
	err := t.q.QueryRowContext(ctx, `
		SELECT id, code, type, value, min_order_amount, max_discount_amount, usage_limit,
			usage_count, is_active, valid_from, valid_until
		FROM promotions WHERE LOWER(code) = LOWER($1) FOR UPDATE`, code,
	).Scan(&p.ID, &p.Code, &p.Type, &p.Value, &p.MinOrderAmount, &maxDiscount, &usageLimit,
		&p.UsageCount, &p.IsActive, &validFrom, &validUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load promotion: %w", err)
	}
	if maxDiscount.Valid {
		p.MaxDiscountAmount = &maxDiscount.Decimal
	}
	if usageLimit.Valid {
		limit := int(usageLimit.Int64)
		p.UsageLimit = &limit
	}
	if validFrom.Valid {
		p.ValidFrom = &validFrom.Time
	}
	if validUntil.Valid {
		p.ValidUntil = &validUntil.Time
	}
	return &p, nil
}

func (t *pgTx) IncrementPromotionUsage(ctx context.Context, id string) error {
	if _, err := t.q.ExecContext(ctx,
		"UPDATE promotions SET usage_count = usage_count + 1 WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to increment promotion usage: %w", err)
	}
	return nil
}

func (t *pgTx) NextOrderSequence(ctx context.Context, day time.Time) (int, error) {
	var seq int
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO order_number_counters (day, last_value) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last_value = order_number_counters.last_value + 1
		RETURNING last_value`, day.Format("2006-01-02"),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate order number: %w", err)
	}
	return seq, nil
}

func (t *pgTx) HasOrdersForEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := t.q.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE LOWER(customer_email) = LOWER($1))", email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check previous orders: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *models.Order) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		o.ID, o.OrderNumber, o.CustomerEmail, o.CustomerName, o.CustomerPhone, o.CustomerID,
		o.FulfillmentType, o.DeliveryZoneID, o.DeliveryAddress, o.DeliveryNotes,
		o.Subtotal, o.DeliveryFee, o.Discount, o.DeliveryDiscount, o.Total, o.PromotionCode,
		o.Status, o.PaymentStatus, o.PaymentReference, o.CreatedAt, o.UpdatedAt, o.PaidAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range o.Items {
		item := &o.Items[i]
		item.OrderID = o.ID
		err := t.q.QueryRowContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price,
				discount_amount, total_price, customizations, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			item.OrderID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice,
			item.DiscountAmount, item.TotalPrice, jsonArg(item.Customizations), o.CreatedAt,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to insert order item %s: %w", item.ProductID, err)
		}
		item.CreatedAt = o.CreatedAt
	}
	return nil
}

func (t *pgTx) OrderForUpdate(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(t.q.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return o, err
}

func (t *pgTx) OrderByReferenceForUpdate(ctx context.Context, reference string) (*models.Order, error) {
	o, err := scanOrder(t.q.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE payment_reference = $1 FOR UPDATE", reference))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to lock order by reference: %w", err)
	}
	return o, err
}

func (t *pgTx) ApplyStatusChange(ctx context.Context, c *models.OrderStatusChange) error {
	res, err := t.q.ExecContext(ctx,
		"UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4",
		c.OrderID, c.NewStatus, c.CreatedAt, c.PreviousStatus)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("order %s is no longer %s: %w", c.OrderID, c.PreviousStatus, ErrNotFound)
	}

	err = t.q.QueryRowContext(ctx, `
		INSERT INTO order_status_changes (order_id, previous_status, new_status, changed_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		c.OrderID, c.PreviousStatus, c.NewStatus, c.ChangedBy, c.Reason, c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to record status change: %w", err)
	}
	return nil
}

func (t *pgTx) MarkOrderPaid(ctx context.Context, orderID string, at time.Time) error {
	if _, err := t.q.ExecContext(ctx,
		"UPDATE orders SET payment_status = 'paid', paid_at = $2, updated_at = $2 WHERE id = $1",
		orderID, at); err != nil {
		return fmt.Errorf("failed to mark order paid: %w", err)
	}
	return nil
}

func (t *pgTx) MarkOrderPaymentFailed(ctx context.Context, orderID string, at time.Time) error {
	if _, err := t.q.ExecContext(ctx,
		"UPDATE orders SET payment_status = 'failed', updated_at = $2 WHERE id = $1 AND payment_status <> 'paid'",
		orderID, at); err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	return nil
}

func (t *pgTx) UpsertTransaction(ctx context.Context, txn *models.PaymentTransaction) (bool, error) {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO payment_transactions (order_id, provider_reference, amount, currency, status,
			channel, gateway_response, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (provider_reference) DO UPDATE SET
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			channel = EXCLUDED.channel,
			gateway_response = EXCLUDED.gateway_response,
			paid_at = EXCLUDED.paid_at,
			updated_at = EXCLUDED.updated_at
		WHERE payment_transactions.status <> 'success'
		RETURNING id`,
		txn.OrderID, txn.ProviderReference, txn.Amount, txn.Currency, txn.Status,
		txn.Channel, jsonArg(txn.GatewayResponse), txn.PaidAt, txn.CreatedAt,
	).Scan(&txn.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record payment transaction: %w", err)
	}
	txn.UpdatedAt = txn.CreatedAt
	return true, nil
}

func (t *pgTx) EnqueueEvent(ctx context.Context, ev *models.CommunicationEvent, since time.Time) (models.EnqueueResult, error) {
	lockKey := string(ev.EventType) + ":" + ev.DedupKey
	if _, err := t.q.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", lockKey); err != nil {
		return models.EnqueueResult{}, fmt.Errorf("failed to lock dedup key: %w", err)
	}

	var sinceArg any
	if !since.IsZero() {
		sinceArg = since
	}

	var existing string
	err := t.q.QueryRowContext(ctx, `
		SELECT id FROM communication_events
		WHERE event_type = $1 AND dedup_key = $2 AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC LIMIT 1`,
		ev.EventType, ev.DedupKey, sinceArg,
	).Scan(&existing)
	switch {
	case err == nil:
		return models.EnqueueResult{EventID: existing, Suppressed: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return models.EnqueueResult{}, fmt.Errorf("failed to check for duplicate event: %w", err)
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO communication_events (id, event_type, recipient, order_id, template_key, variables,
			status, retry_count, dedup_key, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $10)`,
		ev.ID, ev.EventType, ev.Recipient, ev.OrderID, ev.TemplateKey, jsonArg(ev.Variables),
		ev.Status, ev.DedupKey, ev.Priority, ev.CreatedAt,
	)
	if err != nil {
		return models.EnqueueResult{}, fmt.Errorf("failed to enqueue %s event: %w", ev.EventType, err)
	}
	return models.EnqueueResult{EventID: ev.ID}, nil
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, unit_price, discount_amount,
			total_price, customizations, created_at
		FROM order_items WHERE order_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item           models.OrderItem
			customizations []byte
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity,
			&item.UnitPrice, &item.DiscountAmount, &item.TotalPrice, &customizations, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		if len(customizations) > 0 {
			item.Customizations = json.RawMessage(customizations)
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

func (p *Postgres) ListStatusChanges(ctx context.Context, orderID string) ([]models.OrderStatusChange, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, previous_status, new_status, changed_by, reason, created_at
		FROM order_status_changes WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status changes: %w", err)
	}
	defer rows.Close()

	var changes []models.OrderStatusChange
	for rows.Next() {
		var c models.OrderStatusChange
		if err := rows.Scan(&c.ID, &c.OrderID, &c.PreviousStatus, &c.NewStatus, &c.ChangedBy, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

const eventColumns = `id, event_type, recipient, order_id, template_key, variables, status,
	retry_count, dedup_key, priority, last_error, created_at, updated_at, sent_at`

func scanEvents(rows *sql.Rows) ([]models.CommunicationEvent, error) {
	defer rows.Close()

	var events []models.CommunicationEvent
	for rows.Next() {
		var (
			ev        models.CommunicationEvent
			orderID   sql.NullString
			variables []byte
			sentAt    sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Recipient, &orderID, &ev.TemplateKey, &variables,
			&ev.Status, &ev.RetryCount, &ev.DedupKey, &ev.Priority, &ev.LastError,
			&ev.CreatedAt, &ev.UpdatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.OrderID = nullString(orderID)
		ev.Variables = json.RawMessage(variables)
		if sentAt.Valid {
			ev.SentAt = &sentAt.Time
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (p *Postgres) ListEvents(ctx context.Context, orderID string) ([]models.CommunicationEvent, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM communication_events WHERE order_id = $1 ORDER BY created_at", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return scanEvents(rows)
}

func (p *Postgres) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (action, category, message, actor, target_ref, before_value, after_value, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		e.Action, e.Category, e.Message, e.Actor, e.TargetRef,
		jsonArg(e.Before), jsonArg(e.After), jsonArg(e.Details), e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (p *Postgres) RecordSecurityIncident(ctx context.Context, s *models.SecurityIncident) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO security_incidents (kind, severity, reference, order_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		s.Kind, s.Severity, s.Reference, s.OrderID, jsonArg(s.Details), s.CreatedAt,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to record security incident: %w", err)
	}
	return nil
}

func (p *Postgres) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2)", userID, role,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check role: %w", err)
	}
	return ok, nil
}

// ClaimEvents moves up to limit queued events to processing. Rows locked by
// another relay are skipped.
func (p *Postgres) ClaimEvents(ctx context.Context, limit int, now time.Time) ([]models.CommunicationEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT id FROM communication_events
			WHERE status = 'queued'
			ORDER BY priority, created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE communication_events e SET status = 'processing', updated_at = $2
		FROM claimed WHERE e.id = claimed.id
		RETURNING e.id, e.event_type, e.recipient, e.order_id, e.template_key, e.variables, e.status,
			e.retry_count, e.dedup_key, e.priority, e.last_error, e.created_at, e.updated_at, e.sent_at`,
		limit, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Priority != events[j].Priority {
			return events[i].Priority < events[j].Priority
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

func (p *Postgres) MarkEventSent(ctx context.Context, id string, at time.Time) error {
	if _, err := p.db.ExecContext(ctx,
		"UPDATE communication_events SET status = 'sent', sent_at = $2, updated_at = $2, last_error = '' WHERE id = $1",
		id, at); err != nil {
		return fmt.Errorf("failed to mark event sent: %w", err)
	}
	return nil
}

func (p *Postgres) MarkEventFailed(ctx context.Context, id, reason string, maxRetries int, at time.Time) (models.EventStatus, error) {
	var status models.EventStatus
	err := p.db.QueryRowContext(ctx, `
		UPDATE communication_events SET
			retry_count = retry_count + 1,
			last_error = $2,
			updated_at = $3,
			status = CASE WHEN retry_count + 1 >= $4 THEN 'failed' ELSE 'queued' END
		WHERE id = $1
		RETURNING status`,
		id, reason, at, maxRetries,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark event failed: %w", err)
	}
	return status, nil
}

func (p *Postgres) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		"DELETE FROM communication_events WHERE status IN ('sent', 'failed') AND updated_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

// jsonArg passes JSON as text so lib/pq does not encode it as bytea.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

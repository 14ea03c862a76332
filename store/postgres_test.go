package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"foodorder-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

func setupPostgresTest(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPostgres_WithTx_Commit(t *testing.T) {
	p, mock := setupPostgresTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO order_number_counters")).
		WithArgs("2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"last_value"}).AddRow(7))
	mock.ExpectCommit()

	var seq int
	err := p.WithTx(context.Background(), func(tx Tx) error {
		var err error
		seq, err = tx.NextOrderSequence(context.Background(), time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
		return err
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if seq != 7 {
		t.Errorf("Expected sequence 7, got %d", seq)
	}
	expectationsMet(t, mock)
}

func TestPostgres_WithTx_RollbackOnError(t *testing.T) {
	p, mock := setupPostgresTest(t)

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := p.WithTx(context.Background(), func(tx Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPostgres_ProductsByIDs(t *testing.T) {
	p, mock := setupPostgresTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, price, is_active FROM products WHERE id = ANY($1)")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "is_active"}).
			AddRow("p1", "Jollof Rice", "1500.00", true).
			AddRow("p2", "Plantain", "800.00", false))
	mock.ExpectCommit()

	var products map[string]models.Product
	err := p.WithTx(context.Background(), func(tx Tx) error {
		var err error
		products, err = tx.ProductsByIDs(context.Background(), []string{"p1", "p2", "p3"})
		return err
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("Expected 2 products, got %d", len(products))
	}
	if !products["p1"].Price.Equal(decimal.RequireFromString("1500")) {
		t.Errorf("Expected price 1500, got %s", products["p1"].Price)
	}
	if products["p2"].IsActive {
		t.Error("Expected p2 to be inactive")
	}
	expectationsMet(t, mock)
}

func TestPostgres_InsertOrder_DuplicateReference(t *testing.T) {
	p, mock := setupPostgresTest(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).
		WillReturnError(&pq.Error{Code: uniqueViolation, Message: "duplicate key value"})
	mock.ExpectRollback()

	err := p.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertOrder(context.Background(), &models.Order{ID: "o1", PaymentReference: "ref-1"})
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Expected ErrDuplicate, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPostgres_InsertOrder_WithItems(t *testing.T) {
	p, mock := setupPostgresTest(t)

	order := &models.Order{
		ID:          "o1",
		OrderNumber: "ORD-20260301-0001",
		Items: []models.OrderItem{
			{ProductID: "p1", ProductName: "Jollof Rice", Quantity: 2},
			{ProductID: "p2", ProductName: "Plantain", Quantity: 1},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO order_items")).
		WithArgs("o1", "p1", "Jollof Rice", 2, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO order_items")).
		WithArgs("o1", "p2", "Plantain", 1, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectCommit()

	err := p.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertOrder(context.Background(), order)
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if order.Items[0].ID != 10 || order.Items[1].ID != 11 {
		t.Errorf("Expected item ids to be set, got %d and %d", order.Items[0].ID, order.Items[1].ID)
	}
	expectationsMet(t, mock)
}

func TestPostgres_OrderByReferenceForUpdate_NotFound(t *testing.T) {
	p, mock := setupPostgresTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE payment_reference = $1 FOR UPDATE")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := p.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.OrderByReferenceForUpdate(context.Background(), "missing")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPostgres_UpsertTransaction(t *testing.T) {
	cases := []struct {
		name    string
		rows    *sqlmock.Rows
		err     error
		applied bool
	}{
		{name: "first success", rows: sqlmock.NewRows([]string{"id"}).AddRow(42), applied: true},
		{name: "already successful", err: sql.ErrNoRows, applied: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, mock := setupPostgresTest(t)

			mock.ExpectBegin()
			q := mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (provider_reference) DO UPDATE")).
				WithArgs("o1", "ref-1", sqlmock.AnyArg(), "NGN", "success", "card", nil, sqlmock.AnyArg(), sqlmock.AnyArg())
			if tc.err != nil {
				q.WillReturnError(tc.err)
			} else {
				q.WillReturnRows(tc.rows)
			}
			mock.ExpectCommit()

			txn := &models.PaymentTransaction{
				OrderID:           "o1",
				ProviderReference: "ref-1",
				Amount:            decimal.RequireFromString("3500.00"),
				Currency:          "NGN",
				Status:            models.TransactionStatusSuccess,
				Channel:           "card",
				CreatedAt:         time.Now(),
			}
			var applied bool
			err := p.WithTx(context.Background(), func(tx Tx) error {
				var err error
				applied, err = tx.UpsertTransaction(context.Background(), txn)
				return err
			})
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if applied != tc.applied {
				t.Errorf("Expected applied=%v, got %v", tc.applied, applied)
			}
			if applied && txn.ID != 42 {
				t.Errorf("Expected transaction id 42, got %d", txn.ID)
			}
			expectationsMet(t, mock)
		})
	}
}

func TestPostgres_EnqueueEvent_Suppressed(t *testing.T) {
	p, mock := setupPostgresTest(t)

	since := time.Now().Add(-6 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("order_status_update:abc").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM communication_events")).
		WithArgs("order_status_update", "abc", since).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("ev-1"))
	mock.ExpectCommit()

	var res models.EnqueueResult
	err := p.WithTx(context.Background(), func(tx Tx) error {
		var err error
		res, err = tx.EnqueueEvent(context.Background(), &models.CommunicationEvent{
			ID:        "ev-2",
			EventType: models.EventOrderStatusUpdate,
			DedupKey:  "abc",
		}, since)
		return err
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !res.Suppressed || res.EventID != "ev-1" {
		t.Errorf("Expected suppressed result pointing at ev-1, got %+v", res)
	}
	expectationsMet(t, mock)
}

func TestPostgres_EnqueueEvent_Inserted(t *testing.T) {
	p, mock := setupPostgresTest(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WithArgs("order_confirmation:o1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM communication_events")).
		WithArgs("order_confirmation", "o1", nil).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO communication_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var res models.EnqueueResult
	err := p.WithTx(context.Background(), func(tx Tx) error {
		var err error
		res, err = tx.EnqueueEvent(context.Background(), &models.CommunicationEvent{
			ID:        "ev-1",
			EventType: models.EventOrderConfirmation,
			DedupKey:  "o1",
			Variables: []byte(`{"order_number":"ORD-20260301-0001"}`),
		}, time.Time{})
		return err
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Suppressed || res.EventID != "ev-1" {
		t.Errorf("Expected new event ev-1, got %+v", res)
	}
	expectationsMet(t, mock)
}

func TestPostgres_ClaimEvents_OrdersByPriority(t *testing.T) {
	p, mock := setupPostgresTest(t)

	now := time.Now()
	cols := []string{"id", "event_type", "recipient", "order_id", "template_key", "variables", "status",
		"retry_count", "dedup_key", "priority", "last_error", "created_at", "updated_at", "sent_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(10, now).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ev-3", "customer_welcome", "a@b.co", nil, "customer_welcome", []byte(`{}`), "processing", 0, "a@b.co", 3, "", now, now, nil).
			AddRow("ev-1", "order_confirmation", "a@b.co", "o1", "order_confirmation", []byte(`{}`), "processing", 0, "o1", 1, "", now, now, nil))

	events, err := p.ClaimEvents(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(events) != 2 || events[0].ID != "ev-1" {
		t.Fatalf("Expected ev-1 first, got %+v", events)
	}
	if events[1].OrderID != nil {
		t.Error("Expected welcome event to have no order")
	}
	expectationsMet(t, mock)
}

func TestPostgres_MarkEventFailed(t *testing.T) {
	p, mock := setupPostgresTest(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE communication_events SET")).
		WithArgs("ev-1", "broker down", sqlmock.AnyArg(), 5).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	status, err := p.MarkEventFailed(context.Background(), "ev-1", "broker down", 5, time.Now())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status != models.EventStatusFailed {
		t.Errorf("Expected failed, got %s", status)
	}
	expectationsMet(t, mock)
}

func TestPostgres_GetOrder_NotFound(t *testing.T) {
	p, mock := setupPostgresTest(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := p.GetOrder(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPostgres_HasRole(t *testing.T) {
	p, mock := setupPostgresTest(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM user_roles")).
		WithArgs("u1", "admin").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := p.HasRole(context.Background(), "u1", "admin")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !ok {
		t.Error("Expected u1 to be admin")
	}
	expectationsMet(t, mock)
}

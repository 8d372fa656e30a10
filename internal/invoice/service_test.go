package invoice_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"boxoffice/internal/invoice"
	"boxoffice/internal/logger"
	"boxoffice/internal/models"
	"boxoffice/internal/order/db"
)

func setup(t *testing.T) (*invoice.Service, *db.DB, *models.Order) {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared")
	require.NoError(t, err)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	err = bunDB.ResetModel(context.Background(),
		(*models.Event)(nil),
		(*models.Order)(nil),
		(*models.OrderPosition)(nil),
		(*models.OrderFee)(nil),
		(*models.OrderPayment)(nil),
		(*models.OrderRefund)(nil),
		(*models.InvoiceAddress)(nil),
		(*models.Invoice)(nil),
		(*models.AuditEntry)(nil),
	)
	require.NoError(t, err)
	t.Cleanup(func() { bunDB.Close() })

	store := db.New(bunDB)
	log := logger.NewLogger("test")
	t.Cleanup(log.Close)
	svc := invoice.NewService(store, nil, log, "INV")

	ctx := context.Background()
	event := &models.Event{
		ID:       uuid.New().String(),
		Slug:     "conf",
		Name:     "Test Conference",
		Currency: "EUR",
		DateFrom: time.Now().UTC().Add(30 * 24 * time.Hour),
	}
	_, err = store.Bun.NewInsert().Model(event).Exec(ctx)
	require.NoError(t, err)

	order := &models.Order{
		ID:        uuid.New().String(),
		Code:      "ABC23",
		EventID:   event.ID,
		Status:    models.OrderStatusPending,
		Email:     "buyer@example.com",
		Total:     decimal.MustParse("46.00"),
		ExpiresAt: time.Now().UTC().Add(14 * 24 * time.Hour),
		Secret:    "s3cret",
		CreatedAt: time.Now().UTC(),
	}
	_, err = store.Bun.NewInsert().Model(order).Exec(ctx)
	require.NoError(t, err)

	return svc, store, order
}

func TestGenerateAssignsSequentialNumbers(t *testing.T) {
	svc, store, o := setup(t)
	ctx := context.Background()

	first, err := svc.Generate(ctx, o.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Number)
	assert.Equal(t, "INV-00001", first.FullNumber())
	assert.Equal(t, "46.00", first.Total.String())

	// A second order continues the event-wide sequence.
	second := &models.Order{
		ID:        uuid.New().String(),
		Code:      "DEF23",
		EventID:   o.EventID,
		Status:    models.OrderStatusPending,
		Email:     "other@example.com",
		Total:     decimal.MustParse("23.00"),
		ExpiresAt: time.Now().UTC().Add(14 * 24 * time.Hour),
		Secret:    "s3cret2",
		CreatedAt: time.Now().UTC(),
	}
	_, err = store.Bun.NewInsert().Model(second).Exec(ctx)
	require.NoError(t, err)

	inv, err := svc.Generate(ctx, second.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, inv.Number)
}

func TestGenerateConflictsWithActiveInvoice(t *testing.T) {
	svc, _, o := setup(t)
	ctx := context.Background()

	_, err := svc.Generate(ctx, o.ID, "admin")
	require.NoError(t, err)

	_, err = svc.Generate(ctx, o.ID, "admin")
	require.Error(t, err)
	assert.Equal(t, models.KindStateConflict, models.KindOf(err))
	assert.Contains(t, err.Error(), "INV-00001")
}

func TestCancelNegatesInvoice(t *testing.T) {
	svc, _, o := setup(t)
	ctx := context.Background()

	inv, err := svc.Generate(ctx, o.ID, "admin")
	require.NoError(t, err)

	cancellation, err := svc.Cancel(ctx, o.ID, inv.ID, "admin")
	require.NoError(t, err)
	assert.True(t, cancellation.IsCancellation)
	assert.Equal(t, inv.ID, cancellation.RefersToID)
	assert.Equal(t, 2, cancellation.Number)
	// The cancellation negates the referenced document, so it carries that
	// document's total.
	assert.Equal(t, inv.Total.String(), cancellation.Total.String())

	// With the invoice negated, a fresh one may be issued.
	next, err := svc.Generate(ctx, o.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 3, next.Number)
}

func TestReissueForOrderRoundTrip(t *testing.T) {
	svc, store, o := setup(t)
	ctx := context.Background()

	first, err := svc.Generate(ctx, o.ID, "admin")
	require.NoError(t, err)

	// The order total changed after issue; the invoice must follow via
	// cancel-and-reissue, never by editing the issued document.
	o.Total = decimal.MustParse("30.00")
	require.NoError(t, store.UpdateOrder(ctx, o, "total"))

	err = store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		return svc.ReissueForOrder(ctx, repo, o)
	})
	require.NoError(t, err)

	invoices, err := svc.List(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 3)

	assert.Equal(t, "46.00", invoices[0].Total.String())
	assert.True(t, invoices[1].IsCancellation)
	assert.Equal(t, first.ID, invoices[1].RefersToID)
	assert.Equal(t, "46.00", invoices[1].Total.String())
	assert.False(t, invoices[2].IsCancellation)
	assert.Equal(t, "30.00", invoices[2].Total.String())
}

func TestReissueWithoutActiveInvoiceIsNoop(t *testing.T) {
	svc, store, o := setup(t)
	ctx := context.Background()

	err := store.RunInTx(ctx, func(ctx context.Context, repo *db.DB) error {
		return svc.ReissueForOrder(ctx, repo, o)
	})
	require.NoError(t, err)

	invoices, err := svc.List(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

func TestGenerateRejectedOnCanceledOrder(t *testing.T) {
	svc, store, o := setup(t)
	ctx := context.Background()

	o.Status = models.OrderStatusCanceled
	require.NoError(t, store.UpdateOrder(ctx, o, "status"))

	_, err := svc.Generate(ctx, o.ID, "admin")
	require.Error(t, err)
	assert.Equal(t, models.KindStateConflict, models.KindOf(err))
}

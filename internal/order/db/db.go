package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"boxoffice/internal/models"
)

type DB struct {
	Bun *bun.DB
	idb bun.IDB
}

func New(b *bun.DB) *DB {
	return &DB{Bun: b, idb: b}
}

// withTx returns a copy of the repository bound to the transaction.
func (d *DB) withTx(tx bun.Tx) *DB {
	return &DB{Bun: d.Bun, idb: tx}
}

// RunInTx runs fn inside one transaction; the repository passed to fn routes
// every query through it.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, repo *DB) error) error {
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, d.withTx(tx))
	})
}

// ---------------- ORDERS ----------------

var orderRelations = []string{"Positions", "Fees", "Payments", "Refunds", "Address"}

func (d *DB) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	q := d.idb.NewSelect().Model(&order).Where("?TableAlias.id = ?", id)
	for _, rel := range orderRelations {
		q = q.Relation(rel)
	}
	err := q.Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *DB) GetOrderByCode(ctx context.Context, eventID, code string) (*models.Order, error) {
	var order models.Order
	q := d.idb.NewSelect().Model(&order).
		Where("?TableAlias.event_id = ?", eventID).
		Where("?TableAlias.code = ?", code)
	for _, rel := range orderRelations {
		q = q.Relation(rel)
	}
	err := q.Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// LockOrder loads an order with a row-level lock so at most one mutation
// commits per order at a time. Must be called inside RunInTx; the lock is
// a Postgres FOR UPDATE, SQLite serializes writers anyway.
func (d *DB) LockOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	q := d.idb.NewSelect().Model(&order).Where("id = ?", id)
	if d.Bun.Dialect().Name() == dialect.PG {
		q = q.For("UPDATE")
	}
	err := q.Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// Relations are loaded after the lock is taken.
	full, err := d.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return full, nil
}

func (d *DB) InsertOrder(ctx context.Context, order *models.Order) error {
	_, err := d.idb.NewInsert().Model(order).Exec(ctx)
	return err
}

func (d *DB) UpdateOrder(ctx context.Context, order *models.Order, columns ...string) error {
	q := d.idb.NewUpdate().Model(order).WherePK()
	if len(columns) > 0 {
		q = q.Column(columns...)
	}
	_, err := q.Exec(ctx)
	return err
}

func (d *DB) ListOrders(ctx context.Context, eventID string) ([]*models.Order, error) {
	var orders []*models.Order
	err := d.idb.NewSelect().Model(&orders).
		Where("event_id = ?", eventID).
		Order("created_at DESC").
		Scan(ctx)
	return orders, err
}

// PendingOrdersPastExpiry feeds the expiry sweep. Orders that stay valid
// while pending are excluded.
func (d *DB) PendingOrdersPastExpiry(ctx context.Context, now time.Time) ([]*models.Order, error) {
	var orders []*models.Order
	err := d.idb.NewSelect().Model(&orders).
		Where("status = ?", models.OrderStatusPending).
		Where("expires_at < ?", now).
		Where("valid_if_pending = ?", false).
		Scan(ctx)
	return orders, err
}

func (d *DB) InsertAddress(ctx context.Context, addr *models.InvoiceAddress) error {
	_, err := d.idb.NewInsert().Model(addr).Exec(ctx)
	return err
}

func (d *DB) UpdateAddress(ctx context.Context, addr *models.InvoiceAddress) error {
	_, err := d.idb.NewUpdate().Model(addr).WherePK().Exec(ctx)
	return err
}

// ---------------- POSITIONS / FEES ----------------

func (d *DB) InsertPosition(ctx context.Context, pos *models.OrderPosition) error {
	_, err := d.idb.NewInsert().Model(pos).Exec(ctx)
	return err
}

func (d *DB) UpdatePosition(ctx context.Context, pos *models.OrderPosition) error {
	_, err := d.idb.NewUpdate().Model(pos).WherePK().Exec(ctx)
	return err
}

func (d *DB) InsertFee(ctx context.Context, fee *models.OrderFee) error {
	_, err := d.idb.NewInsert().Model(fee).Exec(ctx)
	return err
}

func (d *DB) UpdateFee(ctx context.Context, fee *models.OrderFee) error {
	_, err := d.idb.NewUpdate().Model(fee).WherePK().Exec(ctx)
	return err
}

// ---------------- PAYMENTS / REFUNDS ----------------

func (d *DB) InsertPayment(ctx context.Context, p *models.OrderPayment) error {
	if p.LocalID == 0 {
		n, err := d.idb.NewSelect().Model((*models.OrderPayment)(nil)).
			Where("order_id = ?", p.OrderID).Count(ctx)
		if err != nil {
			return err
		}
		p.LocalID = n + 1
	}
	_, err := d.idb.NewInsert().Model(p).Exec(ctx)
	return err
}

func (d *DB) UpdatePayment(ctx context.Context, p *models.OrderPayment) error {
	_, err := d.idb.NewUpdate().Model(p).WherePK().Exec(ctx)
	return err
}

func (d *DB) InsertRefund(ctx context.Context, r *models.OrderRefund) error {
	if r.LocalID == 0 {
		n, err := d.idb.NewSelect().Model((*models.OrderRefund)(nil)).
			Where("order_id = ?", r.OrderID).Count(ctx)
		if err != nil {
			return err
		}
		r.LocalID = n + 1
	}
	_, err := d.idb.NewInsert().Model(r).Exec(ctx)
	return err
}

func (d *DB) UpdateRefund(ctx context.Context, r *models.OrderRefund) error {
	_, err := d.idb.NewUpdate().Model(r).WherePK().Exec(ctx)
	return err
}

func (d *DB) GetRefund(ctx context.Context, id string) (*models.OrderRefund, error) {
	var r models.OrderRefund
	err := d.idb.NewSelect().Model(&r).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ---------------- SCHEDULED MAIL ----------------

func (d *DB) ListMailRules(ctx context.Context, eventID string) ([]*models.MailRule, error) {
	var rules []*models.MailRule
	err := d.idb.NewSelect().Model(&rules).
		Where("event_id = ?", eventID).
		Scan(ctx)
	return rules, err
}

func (d *DB) ScheduledMailsForEvent(ctx context.Context, eventID string) ([]*models.ScheduledMail, error) {
	var mails []*models.ScheduledMail
	err := d.idb.NewSelect().Model(&mails).
		Relation("Rule").
		Where("?TableAlias.event_id = ?", eventID).
		Scan(ctx)
	return mails, err
}

func (d *DB) DueScheduledMails(ctx context.Context, now time.Time) ([]*models.ScheduledMail, error) {
	var mails []*models.ScheduledMail
	err := d.idb.NewSelect().Model(&mails).
		Relation("Rule").
		Where("?TableAlias.sent = ?", false).
		Where("?TableAlias.computed_at <= ?", now).
		Scan(ctx)
	return mails, err
}

func (d *DB) InsertScheduledMail(ctx context.Context, m *models.ScheduledMail) error {
	_, err := d.idb.NewInsert().Model(m).Exec(ctx)
	return err
}

func (d *DB) UpdateScheduledMail(ctx context.Context, m *models.ScheduledMail) error {
	_, err := d.idb.NewUpdate().Model(m).WherePK().Exec(ctx)
	return err
}

// OrdersForMail selects the orders a scheduled mail goes out to: paid orders
// plus, optionally, pending ones. With a subevent the order must hold an
// active position there.
func (d *DB) OrdersForMail(ctx context.Context, eventID, subeventID string, includePending bool) ([]*models.Order, error) {
	statuses := []models.OrderStatus{models.OrderStatusPaid}
	if includePending {
		statuses = append(statuses, models.OrderStatusPending)
	}
	var orders []*models.Order
	q := d.idb.NewSelect().Model(&orders).
		Where("?TableAlias.event_id = ?", eventID).
		Where("?TableAlias.status IN (?)", bun.In(statuses))
	if subeventID != "" {
		q = q.Where("EXISTS (SELECT 1 FROM order_positions op WHERE op.order_id = ?TableAlias.id AND op.subevent_id = ? AND op.canceled = ?)", subeventID, false)
	}
	err := q.Scan(ctx)
	return orders, err
}

// ---------------- CATALOG ----------------

func (d *DB) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var event models.Event
	err := d.idb.NewSelect().Model(&event).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (d *DB) ListEvents(ctx context.Context) ([]*models.Event, error) {
	var events []*models.Event
	err := d.idb.NewSelect().Model(&events).Scan(ctx)
	return events, err
}

func (d *DB) GetSubevent(ctx context.Context, id string) (*models.Subevent, error) {
	var sub models.Subevent
	err := d.idb.NewSelect().Model(&sub).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (d *DB) ListSubevents(ctx context.Context, eventID string) ([]*models.Subevent, error) {
	var subs []*models.Subevent
	err := d.idb.NewSelect().Model(&subs).
		Where("event_id = ?", eventID).
		Scan(ctx)
	return subs, err
}

func (d *DB) GetItem(ctx context.Context, id string) (*models.Item, error) {
	var item models.Item
	err := d.idb.NewSelect().Model(&item).
		Relation("Variations").
		Relation("TaxRule").
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (d *DB) GetVoucherByCode(ctx context.Context, eventID, code string) (*models.Voucher, error) {
	var v models.Voucher
	err := d.idb.NewSelect().Model(&v).
		Where("event_id = ?", eventID).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// RedeemVoucher bumps the usage counter, refusing once the budget is spent.
func (d *DB) RedeemVoucher(ctx context.Context, voucherID string) error {
	res, err := d.idb.NewUpdate().Model((*models.Voucher)(nil)).
		Set("redeemed = redeemed + 1").
		Where("id = ?", voucherID).
		Where("redeemed < max_usages").
		Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.NewOrderError(models.KindValidation, "voucher has already been used the maximum number of times")
	}
	return nil
}

func (d *DB) ListQuotas(ctx context.Context, eventID string) ([]*models.Quota, error) {
	var quotas []*models.Quota
	err := d.idb.NewSelect().Model(&quotas).
		Relation("Items").
		Where("?TableAlias.event_id = ?", eventID).
		Scan(ctx)
	return quotas, err
}

// QuotasForItem returns the quotas whose capacity an item/variation draws
// from, honoring subevent scoping.
func (d *DB) QuotasForItem(ctx context.Context, itemID, variationID, subeventID string) ([]*models.Quota, error) {
	var quotas []*models.Quota
	q := d.idb.NewSelect().Model(&quotas).
		Join("JOIN quota_items AS qi ON qi.quota_id = ?TableAlias.id").
		Where("qi.item_id = ?", itemID)
	if variationID != "" {
		q = q.Where("(qi.variation_id IS NULL OR qi.variation_id = ?)", variationID)
	} else {
		q = q.Where("qi.variation_id IS NULL")
	}
	if subeventID != "" {
		q = q.Where("(?TableAlias.subevent_id IS NULL OR ?TableAlias.subevent_id = ?)", subeventID)
	} else {
		q = q.Where("?TableAlias.subevent_id IS NULL")
	}
	err := q.Scan(ctx)
	return quotas, err
}

// LockQuotas takes row-level locks on the quotas so two concurrent orders
// cannot both pass the availability check for the last place. Must be called
// inside RunInTx; like LockOrder this is a Postgres FOR UPDATE, SQLite
// serializes writers anyway.
func (d *DB) LockQuotas(ctx context.Context, quotaIDs []string) error {
	if len(quotaIDs) == 0 || d.Bun.Dialect().Name() != dialect.PG {
		return nil
	}
	var quotas []*models.Quota
	return d.idb.NewSelect().Model(&quotas).
		Where("id IN (?)", bun.In(quotaIDs)).
		For("UPDATE").
		Scan(ctx)
}

// TouchQuotas bumps the version column so cached availability drops out.
func (d *DB) TouchQuotas(ctx context.Context, quotaIDs []string) error {
	if len(quotaIDs) == 0 {
		return nil
	}
	_, err := d.idb.NewUpdate().Model((*models.Quota)(nil)).
		Set("version = version + 1").
		Where("id IN (?)", bun.In(quotaIDs)).
		Exec(ctx)
	return err
}

// ---------------- INVOICES ----------------

func (d *DB) InsertInvoice(ctx context.Context, inv *models.Invoice) error {
	_, err := d.idb.NewInsert().Model(inv).Exec(ctx)
	return err
}

// NextInvoiceNumber hands out the next number in the event's sequence. Must
// run inside a transaction together with the insert that consumes it.
func (d *DB) NextInvoiceNumber(ctx context.Context, eventID, prefix string) (int, error) {
	var current int
	err := d.idb.NewSelect().
		Model((*models.Invoice)(nil)).
		ColumnExpr("coalesce(max(number), 0)").
		Where("event_id = ?", eventID).
		Where("prefix = ?", prefix).
		Scan(ctx, &current)
	if err != nil {
		return 0, err
	}
	return current + 1, nil
}

func (d *DB) InvoicesForOrder(ctx context.Context, orderID string) ([]*models.Invoice, error) {
	var invoices []*models.Invoice
	err := d.idb.NewSelect().Model(&invoices).
		Where("order_id = ?", orderID).
		Order("number ASC").
		Scan(ctx)
	return invoices, err
}

// ---------------- QUOTA COUNTS ----------------

type quotaCount struct {
	QuotaID string `bun:"quota_id"`
	Cnt     int    `bun:"cnt"`
}

func quotaIDs(quotas []*models.Quota) []string {
	ids := make([]string, len(quotas))
	for i, q := range quotas {
		ids[i] = q.ID
	}
	return ids
}

func countsToMap(rows []quotaCount) map[string]int {
	m := make(map[string]int, len(rows))
	for _, r := range rows {
		m[r.QuotaID] = r.Cnt
	}
	return m
}

func (d *DB) positionCounts(ctx context.Context, ids []string, apply func(*bun.SelectQuery) *bun.SelectQuery) (map[string]int, error) {
	var rows []quotaCount
	q := d.idb.NewSelect().
		TableExpr("order_positions AS op").
		ColumnExpr("qi.quota_id AS quota_id").
		ColumnExpr("count(*) AS cnt").
		Join("JOIN orders AS o ON o.id = op.order_id").
		Join("JOIN quota_items AS qi ON qi.item_id = op.item_id AND (qi.variation_id IS NULL OR qi.variation_id = op.variation_id)").
		Join("JOIN quotas AS q ON q.id = qi.quota_id AND (q.subevent_id IS NULL OR q.subevent_id = op.subevent_id)").
		Where("op.canceled = ?", false).
		Where("qi.quota_id IN (?)", bun.In(ids)).
		GroupExpr("qi.quota_id")
	q = apply(q)
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, err
	}
	return countsToMap(rows), nil
}

// OrderCounts implements quota.CountStore. Pending orders past their expiry
// are not counted; the expiry sweep will release them.
func (d *DB) OrderCounts(ctx context.Context, quotas []*models.Quota) (map[string]int, map[string]int, error) {
	ids := quotaIDs(quotas)
	now := time.Now().UTC()

	paid, err := d.positionCounts(ctx, ids, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("o.status = ?", models.OrderStatusPaid)
	})
	if err != nil {
		return nil, nil, err
	}
	pending, err := d.positionCounts(ctx, ids, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("o.status = ?", models.OrderStatusPending).
			Where("(o.expires_at > ? OR o.valid_if_pending = ?)", now, true)
	})
	if err != nil {
		return nil, nil, err
	}
	return paid, pending, nil
}

// BlockingVoucherCounts implements quota.CountStore. A voucher blocks a quota
// either directly or through the item it is restricted to.
func (d *DB) BlockingVoucherCounts(ctx context.Context, quotas []*models.Quota) (map[string]int, error) {
	ids := quotaIDs(quotas)
	now := time.Now().UTC()

	var rows []quotaCount
	err := d.idb.NewSelect().
		TableExpr("vouchers AS v").
		ColumnExpr("qi.quota_id AS quota_id").
		ColumnExpr("count(DISTINCT v.id) AS cnt").
		Join("JOIN quota_items AS qi ON qi.quota_id = v.quota_id OR (qi.item_id = v.item_id AND (qi.variation_id IS NULL OR qi.variation_id = v.variation_id))").
		Where("v.block_quota = ?", true).
		Where("v.redeemed < v.max_usages").
		Where("(v.valid_until IS NULL OR v.valid_until > ?)", now).
		Where("qi.quota_id IN (?)", bun.In(ids)).
		GroupExpr("qi.quota_id").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	return countsToMap(rows), nil
}

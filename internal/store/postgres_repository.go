/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL for accounts, bundle pricing, network inventory, order
 * settlement, reconciliation transitions, and the admin range-update operator.
 *
 * The settlement path (`SettlePurchase`) is the money-critical section: it locks
 * the wallet row, re-runs the rate and duplicate guards under that lock, and
 * commits the debit, the order row, and the ledger entry in one transaction so
 * a partially settled purchase can never be observed.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datamart/fulfillment-service/internal/domain"
	"github.com/datamart/fulfillment-service/pkg/reference"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const accountColumns = `
	id, subject, phone, role, balance, processing_mode,
	skip_live_global, skip_live_networks, requires_approval,
	daily_order_limit, hourly_order_limit,
	orders_today, orders_today_date, orders_this_hour, orders_hour_start,
	created_at, updated_at
`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acct domain.Account
	var skipNetworks []byte
	err := row.Scan(
		&acct.ID,
		&acct.Subject,
		&acct.Phone,
		&acct.Role,
		&acct.Balance,
		&acct.ProcessingMode,
		&acct.SkipLiveGlobal,
		&skipNetworks,
		&acct.RequiresApproval,
		&acct.DailyOrderLimit,
		&acct.HourlyOrderLimit,
		&acct.OrdersToday,
		&acct.OrdersTodayDate,
		&acct.OrdersThisHour,
		&acct.OrdersHourStart,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if len(skipNetworks) > 0 {
		if err := json.Unmarshal(skipNetworks, &acct.SkipLiveNetworks); err != nil {
			return nil, fmt.Errorf("decode skip_live_networks: %w", err)
		}
	}
	return &acct, nil
}

// FindAccountByID retrieves an account by its internal UUID.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, accountID))
}

// FindAccountBySubject resolves an account from the verified auth subject.
func (r *PostgresRepository) FindAccountBySubject(ctx context.Context, subject string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE subject = $1`
	return scanAccount(r.db.QueryRow(ctx, query, subject))
}

// ManualAdjust applies a signed admin balance adjustment and records it in the
// ledger with before/after snapshots, all in one transaction.
func (r *PostgresRepository) ManualAdjust(ctx context.Context, accountID uuid.UUID, amount int64, note string, ledgerRef string) (*SettleResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	// FOR UPDATE locks the wallet row for the duration of the adjustment.
	err = tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	newBalance := balance + amount
	if newBalance < 0 {
		return nil, ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx, "UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2", newBalance, accountID)
	if err != nil {
		return nil, err
	}

	ledgerQuery := `
		INSERT INTO ledger_entries (id, reference, account_id, type, amount, balance_before, balance_after, status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	_, err = tx.Exec(ctx, ledgerQuery,
		uuid.New(), ledgerRef, accountID, domain.LedgerTypeManualAdjustment,
		amount, balance, newBalance, domain.LedgerStatusCompleted, note,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrReferenceCollision
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &SettleResult{BalanceBefore: balance, BalanceAfter: newBalance, LedgerReference: ledgerRef}, nil
}

// ListLedgerByAccount returns an account's ledger entries, newest first.
func (r *PostgresRepository) ListLedgerByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, reference, account_id, order_reference, type, amount, balance_before, balance_after, status, note, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var e domain.LedgerEntry
		var note *string
		if err := rows.Scan(
			&e.ID, &e.Reference, &e.AccountID, &e.OrderReference, &e.Type,
			&e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.Status, &note, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if note != nil {
			e.Note = *note
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LookupBundlePrice returns the price in pesewas for a bundle, preferring a
// role-specific price row and falling back to the base user price.
func (r *PostgresRepository) LookupBundlePrice(ctx context.Context, network domain.Network, capacityGB int, role string) (int64, error) {
	var price int64
	query := `SELECT price FROM bundle_prices WHERE network = $1 AND capacity_gb = $2 AND role = $3 AND enabled`
	err := r.db.QueryRow(ctx, query, network, capacityGB, role).Scan(&price)
	if err == pgx.ErrNoRows && role != domain.RoleUser {
		err = r.db.QueryRow(ctx, query, network, capacityGB, domain.RoleUser).Scan(&price)
	}
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrBundleNotFound
		}
		return 0, err
	}
	return price, nil
}

const inventoryColumns = `
	network, web_in_stock, web_skip_vendor, api_in_stock, api_skip_vendor, version, updated_by, updated_at
`

func scanInventory(row pgx.Row) (*domain.NetworkInventory, error) {
	var inv domain.NetworkInventory
	var updatedBy *string
	err := row.Scan(
		&inv.Network, &inv.WebInStock, &inv.WebSkipVendor,
		&inv.APIInStock, &inv.APISkipVendor, &inv.Version, &updatedBy, &inv.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInventoryNotFound
		}
		return nil, err
	}
	if updatedBy != nil {
		inv.UpdatedBy = *updatedBy
	}
	return &inv, nil
}

// GetInventory returns the flag set for one network.
func (r *PostgresRepository) GetInventory(ctx context.Context, network domain.Network) (*domain.NetworkInventory, error) {
	query := `SELECT ` + inventoryColumns + ` FROM network_inventory WHERE network = $1`
	return scanInventory(r.db.QueryRow(ctx, query, network))
}

// ListInventory returns the flag sets for all networks.
func (r *PostgresRepository) ListInventory(ctx context.Context) ([]domain.NetworkInventory, error) {
	query := `SELECT ` + inventoryColumns + ` FROM network_inventory ORDER BY network`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.NetworkInventory, 0, len(domain.AllNetworks))
	for rows.Next() {
		inv, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// UpdateInventory writes a network's flags with optimistic concurrency: the
// caller's version must match the stored one, and the stored version is bumped
// on success so concurrent admin writes cannot silently overwrite each other.
func (r *PostgresRepository) UpdateInventory(ctx context.Context, inv *domain.NetworkInventory) (*domain.NetworkInventory, error) {
	query := `
		UPDATE network_inventory
		SET web_in_stock = $2, web_skip_vendor = $3, api_in_stock = $4, api_skip_vendor = $5,
			version = version + 1, updated_by = $6, updated_at = NOW()
		WHERE network = $1 AND version = $7
		RETURNING ` + inventoryColumns
	updated, err := scanInventory(r.db.QueryRow(ctx, query,
		inv.Network, inv.WebInStock, inv.WebSkipVendor, inv.APIInStock, inv.APISkipVendor,
		inv.UpdatedBy, inv.Version,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrInventoryNotFound) {
		return nil, err
	}

	// No row matched: either the network is unknown or the version is stale.
	var exists bool
	if probeErr := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM network_inventory WHERE network = $1)", inv.Network).Scan(&exists); probeErr != nil {
		return nil, probeErr
	}
	if exists {
		return nil, ErrStaleInventory
	}
	return nil, ErrInventoryNotFound
}

// SettlePurchase commits one purchase atomically. Under the wallet row lock it
// re-checks the order-rate counters and the duplicate window, verifies funds,
// inserts the order row, applies the debit and writes the ledger entry. Any
// failed step rolls the whole settlement back.
//
// A reference collision on the order insert surfaces as ErrReferenceCollision
// so the caller can retry with a fresh reference.
func (r *PostgresRepository) SettlePurchase(ctx context.Context, params SettleParams) (*SettleResult, error) {
	order := params.Order
	if order == nil {
		return nil, errors.New("settle: nil order")
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the wallet row. Counter windows are evaluated in SQL against the
	// database clock so application servers in different zones agree.
	var (
		balance     int64
		effDaily    int
		effHourly   int
		dailyLimit  int
		hourlyLimit int
	)
	lockQuery := `
		SELECT balance,
			CASE WHEN orders_today_date = CURRENT_DATE THEN orders_today ELSE 0 END,
			CASE WHEN orders_hour_start >= date_trunc('hour', NOW()) THEN orders_this_hour ELSE 0 END,
			daily_order_limit, hourly_order_limit
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`
	err = tx.QueryRow(ctx, lockQuery, order.AccountID).Scan(&balance, &effDaily, &effHourly, &dailyLimit, &hourlyLimit)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	if params.EnforceLimits {
		if dailyLimit > 0 && effDaily >= dailyLimit {
			return nil, ErrRateLimitExceeded
		}
		if hourlyLimit > 0 && effHourly >= hourlyLimit {
			return nil, ErrRateLimitExceeded
		}
	}

	if params.DuplicateWindow > 0 {
		var dup bool
		err = tx.QueryRow(ctx, duplicateCheckQuery,
			order.AccountID, order.Phone, order.Network, order.CapacityGB,
			domain.OrderStatusFailed, domain.OrderStatusRefunded,
			params.DuplicateWindow.Seconds(),
		).Scan(&dup)
		if err != nil {
			return nil, err
		}
		if dup {
			return nil, ErrDuplicateOrder
		}
	}

	if params.Debit && balance < order.Price {
		return nil, ErrInsufficientFunds
	}

	orderQuery := `
		INSERT INTO orders (
			id, reference, account_id, phone, network, capacity_gb, price,
			channel, processing_method, vendor_id, vendor_order_id, vendor_response,
			status, failure_reason, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	err = tx.QueryRow(ctx, orderQuery,
		order.ID, order.Reference, order.AccountID, order.Phone, order.Network,
		order.CapacityGB, order.Price, order.Channel, order.ProcessingMethod,
		order.VendorID, order.VendorOrderID, order.VendorResponse,
		order.Status, order.FailureReason,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrReferenceCollision
		}
		return nil, err
	}

	newBalance := balance
	if params.Debit {
		newBalance = balance - order.Price
		ledgerQuery := `
			INSERT INTO ledger_entries (id, reference, account_id, order_reference, type, amount, balance_before, balance_after, status, note, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		`
		note := fmt.Sprintf("purchase %dGB %s for %s", order.CapacityGB, order.Network, order.Phone)
		_, err = tx.Exec(ctx, ledgerQuery,
			uuid.New(), params.LedgerRef, order.AccountID, order.Reference,
			domain.LedgerTypePurchaseDebit, -order.Price, balance, newBalance,
			params.LedgerStatus, note,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrReferenceCollision
			}
			return nil, err
		}
	}

	// Counters track charged purchases only. An audit row for a vendor
	// rejection does not consume the account's order ceiling.
	if params.Debit {
		counterQuery := `
			UPDATE accounts
			SET balance = $2,
				orders_today = $3, orders_today_date = CURRENT_DATE,
				orders_this_hour = $4, orders_hour_start = date_trunc('hour', NOW()),
				updated_at = NOW()
			WHERE id = $1
		`
		_, err = tx.Exec(ctx, counterQuery, order.AccountID, newBalance, effDaily+1, effHourly+1)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &SettleResult{BalanceBefore: balance, BalanceAfter: newBalance, LedgerReference: params.LedgerRef}, nil
}

// duplicateCheckQuery matches another live order with the same purchase
// profile inside the window. Failed and refunded orders are legitimate retries
// and never count.
const duplicateCheckQuery = `
	SELECT EXISTS (
		SELECT 1 FROM orders
		WHERE account_id = $1 AND phone = $2 AND network = $3 AND capacity_gb = $4
			AND status NOT IN ($5, $6)
			AND created_at > NOW() - ($7 * INTERVAL '1 second')
	)
`

// RecentDuplicateExists runs the duplicate check without a transaction. The
// settlement commit repeats it under the wallet lock; this advisory pass only
// exists to reject duplicates before any vendor is contacted.
func (r *PostgresRepository) RecentDuplicateExists(ctx context.Context, accountID uuid.UUID, phone string, network domain.Network, capacityGB int, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, nil
	}
	var dup bool
	err := r.db.QueryRow(ctx, duplicateCheckQuery,
		accountID, phone, network, capacityGB,
		domain.OrderStatusFailed, domain.OrderStatusRefunded,
		window.Seconds(),
	).Scan(&dup)
	if err != nil {
		return false, err
	}
	return dup, nil
}

const orderColumns = `
	id, reference, account_id, phone, network, capacity_gb, price,
	channel, processing_method, vendor_id, vendor_order_id, vendor_response,
	status, failure_reason, created_at, updated_at
`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(
		&o.ID, &o.Reference, &o.AccountID, &o.Phone, &o.Network, &o.CapacityGB, &o.Price,
		&o.Channel, &o.ProcessingMethod, &o.VendorID, &o.VendorOrderID, &o.VendorResponse,
		&o.Status, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

// FindOrderByReference retrieves one order by its public reference.
func (r *PostgresRepository) FindOrderByReference(ctx context.Context, ref string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE reference = $1`
	return scanOrder(r.db.QueryRow(ctx, query, ref))
}

// ListOrdersByAccount returns an account's orders, newest first.
func (r *PostgresRepository) ListOrdersByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ListProcessingOrders returns orders stuck in processing whose last update is
// older than the cutoff, oldest first. Used by the reconciliation sweep.
func (r *PostgresRepository) ListProcessingOrders(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.OrderStatusProcessing, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// CompleteProcessingOrder moves a processing order to completed and cascades its
// pending purchase debit to completed. The status update is compare-and-swap on
// the current status, so a concurrent admin update or sweep wins cleanly.
func (r *PostgresRepository) CompleteProcessingOrder(ctx context.Context, ref string, vendorResponse json.RawMessage) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	updateQuery := `
		UPDATE orders
		SET status = $2, vendor_response = COALESCE($3, vendor_response), updated_at = NOW()
		WHERE reference = $1 AND status = $4
	`
	tag, err := tx.Exec(ctx, updateQuery, ref, domain.OrderStatusCompleted, vendorResponse, domain.OrderStatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if probeErr := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM orders WHERE reference = $1)", ref).Scan(&exists); probeErr != nil {
			return probeErr
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrOrderNotProcessing
	}

	_, err = tx.Exec(ctx,
		"UPDATE ledger_entries SET status = $1 WHERE order_reference = $2 AND type = $3 AND status = $4",
		domain.LedgerStatusCompleted, ref, domain.LedgerTypePurchaseDebit, domain.LedgerStatusPending,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FailOrderWithRefund fails an order (compare-and-swap on fromStatus) and, when
// a wallet debit was recorded for it, credits the amount back and moves the
// order on to refunded. The refund credit is protected by a partial unique
// index on order_reference, which makes re-running the transition a no-op
// instead of a double credit.
func (r *PostgresRepository) FailOrderWithRefund(ctx context.Context, ref string, fromStatus string, reason string, refundRef string) error {
	if !domain.CanTransition(fromStatus, domain.OrderStatusFailed) {
		return ErrInvalidTransition
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		accountID uuid.UUID
		price     int64
	)
	failQuery := `
		UPDATE orders
		SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE reference = $1 AND status = $4
		RETURNING account_id, price
	`
	err = tx.QueryRow(ctx, failQuery, ref, domain.OrderStatusFailed, reason, fromStatus).Scan(&accountID, &price)
	if err != nil {
		if err == pgx.ErrNoRows {
			var status string
			probeErr := tx.QueryRow(ctx, "SELECT status FROM orders WHERE reference = $1", ref).Scan(&status)
			if probeErr == pgx.ErrNoRows {
				return ErrOrderNotFound
			}
			if probeErr != nil {
				return probeErr
			}
			// Already failed or refunded: the transition has been applied.
			if status == domain.OrderStatusFailed || status == domain.OrderStatusRefunded {
				return nil
			}
			return ErrOrderNotProcessing
		}
		return err
	}

	// Only refund if money actually moved for this order. An order rejected
	// before debit has no purchase ledger entry and nothing to credit back.
	var debited bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE order_reference = $1 AND type = $2)",
		ref, domain.LedgerTypePurchaseDebit,
	).Scan(&debited)
	if err != nil {
		return err
	}
	if !debited {
		return tx.Commit(ctx)
	}

	if err := creditRefund(ctx, tx, accountID, ref, price, reason, refundRef); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// creditRefund inserts the refund credit, bumps the wallet, settles the pending
// debit, and moves the failed order to refunded. Runs inside the caller's
// transaction. A duplicate refund (unique violation on order_reference) leaves
// the transaction usable and returns nil.
func creditRefund(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, orderRef string, amount int64, reason string, refundRef string) error {
	var balance int64
	err := tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrAccountNotFound
		}
		return err
	}

	// Savepoint so a duplicate-refund violation does not poison the enclosing tx.
	if _, err := tx.Exec(ctx, "SAVEPOINT refund_credit"); err != nil {
		return err
	}
	ledgerQuery := `
		INSERT INTO ledger_entries (id, reference, account_id, order_reference, type, amount, balance_before, balance_after, status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`
	note := "refund: " + reason
	_, err = tx.Exec(ctx, ledgerQuery,
		uuid.New(), refundRef, accountID, orderRef,
		domain.LedgerTypeRefundCredit, amount, balance, balance+amount,
		domain.LedgerStatusCompleted, note,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Refund already credited by a concurrent path.
			_, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT refund_credit")
			return rbErr
		}
		return err
	}

	_, err = tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2", amount, accountID)
	if err != nil {
		return err
	}

	// The original debit did happen; settle it so no pending entries dangle.
	_, err = tx.Exec(ctx,
		"UPDATE ledger_entries SET status = $1 WHERE order_reference = $2 AND type = $3 AND status = $4",
		domain.LedgerStatusCompleted, orderRef, domain.LedgerTypePurchaseDebit, domain.LedgerStatusPending,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE reference = $2 AND status = $3",
		domain.OrderStatusRefunded, orderRef, domain.OrderStatusFailed,
	)
	return err
}

// rangeFilter builds the WHERE clause shared by preview and execute. Status
// is always the first predicate: positions are numbered over orders that
// currently hold CurrentStatus, and only those. AccountID is optional.
func rangeFilter(params RangeUpdateParams) (string, []any) {
	filterSQL := "status = $1"
	args := []any{params.CurrentStatus}
	if params.AccountID != uuid.Nil {
		args = append(args, params.AccountID)
		filterSQL += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	if params.Filters.Network != nil {
		args = append(args, *params.Filters.Network)
		filterSQL += fmt.Sprintf(" AND network = $%d", len(args))
	}
	if params.Filters.From != nil {
		args = append(args, *params.Filters.From)
		filterSQL += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if params.Filters.To != nil {
		args = append(args, *params.Filters.To)
		filterSQL += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	return filterSQL, args
}

// rangeSelection resolves a positional range over the filtered order set and
// returns the matched references in chronological order. Preview and execute
// share this query, so a previewed range is exactly what execute touches.
func rangeSelection(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, params RangeUpdateParams) ([]string, error) {
	if err := params.Spec.Validate(); err != nil {
		return nil, err
	}

	filterSQL, args := rangeFilter(params)

	var total int
	if err := q.QueryRow(ctx, "SELECT COUNT(*) FROM orders WHERE "+filterSQL, args...).Scan(&total); err != nil {
		return nil, err
	}
	lo, hi := params.Spec.Bounds(total)
	if hi == 0 {
		return []string{}, nil
	}

	args = append(args, lo, hi)
	query := fmt.Sprintf(`
		WITH positioned AS (
			SELECT reference, ROW_NUMBER() OVER (ORDER BY created_at ASC, id ASC) AS pos
			FROM orders
			WHERE %s
		)
		SELECT reference FROM positioned WHERE pos BETWEEN $%d AND $%d ORDER BY pos
	`, filterSQL, len(args)-1, len(args))

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := make([]string, 0, hi-lo+1)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// PreviewRangeUpdate reports what ExecuteRangeUpdate with the same parameters
// would touch, without modifying anything.
func (r *PostgresRepository) PreviewRangeUpdate(ctx context.Context, params RangeUpdateParams) (*domain.RangeUpdatePreview, error) {
	refs, err := rangeSelection(ctx, r.db, params)
	if err != nil {
		return nil, err
	}
	sample := refs
	if len(sample) > 20 {
		sample = sample[:20]
	}
	return &domain.RangeUpdatePreview{Count: len(refs), Sample: sample}, nil
}

// ExecuteRangeUpdate applies the bulk status transition in one transaction.
// The selection only ever yields orders holding CurrentStatus, so Modified
// equals Matched unless a row moved concurrently between selection and lock;
// such rows are skipped. Moving orders to failed triggers the refund cascade
// per order; moving them to completed settles their pending debits.
func (r *PostgresRepository) ExecuteRangeUpdate(ctx context.Context, params RangeUpdateParams) (*domain.RangeUpdateResult, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	refs, err := rangeSelection(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	result := &domain.RangeUpdateResult{Matched: int64(len(refs))}
	for _, ref := range refs {
		var (
			status    string
			price     int64
			accountID uuid.UUID
		)
		err := tx.QueryRow(ctx, "SELECT status, price, account_id FROM orders WHERE reference = $1 FOR UPDATE", ref).
			Scan(&status, &price, &accountID)
		if err != nil {
			return nil, err
		}
		// A concurrent writer may have moved the row after selection.
		if status != params.CurrentStatus {
			continue
		}

		_, err = tx.Exec(ctx,
			"UPDATE orders SET status = $1, failure_reason = $2, updated_at = NOW() WHERE reference = $3",
			params.NewStatus, failureReasonFor(params), ref,
		)
		if err != nil {
			return nil, err
		}
		result.Modified++

		switch params.NewStatus {
		case domain.OrderStatusCompleted:
			_, err = tx.Exec(ctx,
				"UPDATE ledger_entries SET status = $1 WHERE order_reference = $2 AND type = $3 AND status = $4",
				domain.LedgerStatusCompleted, ref, domain.LedgerTypePurchaseDebit, domain.LedgerStatusPending,
			)
			if err != nil {
				return nil, err
			}
		case domain.OrderStatusFailed:
			var debited bool
			err = tx.QueryRow(ctx,
				"SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE order_reference = $1 AND type = $2)",
				ref, domain.LedgerTypePurchaseDebit,
			).Scan(&debited)
			if err != nil {
				return nil, err
			}
			if !debited {
				continue
			}
			refundRef := reference.Generate(reference.PrefixLedger)
			if err := creditRefund(ctx, tx, accountID, ref, price, params.Reason, refundRef); err != nil {
				return nil, err
			}
			result.Refunded++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

func failureReasonFor(params RangeUpdateParams) *string {
	if params.NewStatus != domain.OrderStatusFailed || params.Reason == "" {
		return nil
	}
	reason := params.Reason
	return &reason
}

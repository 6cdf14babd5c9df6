package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jogardn/orderboard/internal/orders"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const orderColumns = `id, tenant_id, order_number, business_day::text, order_type, table_number,
	status, customer_name, customer_phone, customer_email, items,
	subtotal, tax, delivery_fee, discount, total, payment_method, payment_status,
	notes, created_at, updated_at, estimated_ready_at`

func scanOrder(row scanner) (*models.Order, error) {
	var (
		order     models.Order
		table     sql.NullInt64
		email     sql.NullString
		notes     sql.NullString
		payStatus string
		itemsJSON []byte
		estimated sql.NullTime
	)

	err := row.Scan(
		&order.ID, &order.TenantID, &order.OrderNumber, &order.BusinessDay, &order.Type, &table,
		&order.Status, &order.Customer.Name, &order.Customer.Phone, &email, &itemsJSON,
		&order.Subtotal, &order.Tax, &order.DeliveryFee, &order.Discount, &order.Total,
		&order.PaymentMethod, &payStatus, &notes, &order.CreatedAt, &order.UpdatedAt, &estimated,
	)
	if err != nil {
		return nil, err
	}

	if table.Valid {
		n := int(table.Int64)
		order.TableNumber = &n
	}
	if estimated.Valid {
		t := estimated.Time
		order.EstimatedReadyAt = &t
	}
	order.Customer.Email = email.String
	order.Notes = notes.String
	order.IsPaid = payStatus == "paid"

	if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
		return nil, fmt.Errorf("decode items of order %s: %w", order.ID, err)
	}
	return &order, nil
}

func statusStrings(statuses []models.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (r *PostgresRepository) ListOrders(ctx context.Context, tenantID string, filter orders.ListFilter) ([]models.Order, error) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`SELECT ` + orderColumns + ` FROM orders WHERE tenant_id = $1`)
	args := []interface{}{tenantID}

	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(filter.Statuses)))
		fmt.Fprintf(&queryBuilder, " AND status = ANY($%d)", len(args))
	}
	if !filter.CreatedFrom.IsZero() {
		args = append(args, filter.CreatedFrom)
		fmt.Fprintf(&queryBuilder, " AND created_at >= $%d", len(args))
	}
	if !filter.CreatedTo.IsZero() {
		args = append(args, filter.CreatedTo)
		fmt.Fprintf(&queryBuilder, " AND created_at < $%d", len(args))
	}
	queryBuilder.WriteString(" ORDER BY created_at DESC, id")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&queryBuilder, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&queryBuilder, " OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	result := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		result = append(result, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE tenant_id = $1 AND id = $2`, tenantID, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orders.ErrNotFound
		}
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return order, nil
}

func (r *PostgresRepository) InsertOrder(ctx context.Context, order *models.Order) error {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	payStatus := "unpaid"
	if order.IsPaid {
		payStatus = "paid"
	}

	query := `
		INSERT INTO orders (id, tenant_id, order_number, business_day, order_type, table_number,
			status, customer_name, customer_phone, customer_email, items,
			subtotal, tax, delivery_fee, discount, total, payment_method, payment_status,
			notes, created_at, updated_at, estimated_ready_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`
	_, err = r.db.ExecContext(ctx, query,
		order.ID, order.TenantID, order.OrderNumber, order.BusinessDay, order.Type, nullInt(order.TableNumber),
		order.Status, order.Customer.Name, order.Customer.Phone, nullString(order.Customer.Email), string(itemsJSON),
		order.Subtotal, order.Tax, order.DeliveryFee, order.Discount, order.Total, order.PaymentMethod, payStatus,
		nullString(order.Notes), order.CreatedAt, order.UpdatedAt, order.EstimatedReadyAt,
	)
	if err != nil {
		return insertError(order.ID, err)
	}
	return nil
}

// insertError reports a clash on the per-day order number as
// ErrDuplicateOrderNumber so the service can retry with the next number.
// Any other unique violation is a plain failure.
func insertError(orderID string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == orderNumberConstraint {
		return orders.ErrDuplicateOrderNumber
	}
	return fmt.Errorf("insert order %s: %w", orderID, err)
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, tenantID, orderID string, to models.OrderStatus, from []models.OrderStatus, at time.Time) (*models.Order, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE orders SET status = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND status = ANY($5)
		RETURNING `+orderColumns,
		to, at, tenantID, orderID, pq.Array(statusStrings(from)))

	order, err := scanOrder(row)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update order %s: %w", orderID, err)
	}

	var exists bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE tenant_id = $1 AND id = $2)`, tenantID, orderID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check order %s: %w", orderID, err)
	}
	if !exists {
		return nil, orders.ErrNotFound
	}
	return nil, orders.ErrStatusConflict
}

func (r *PostgresRepository) ListStaff(ctx context.Context, tenantID string) ([]models.StaffMember, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, email, role, COALESCE(branch_id, ''), COALESCE(first_name, ''),
			COALESCE(last_name, ''), is_active, created_at
		FROM admin_users WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list staff: %w", err)
	}
	defer rows.Close()

	staff := []models.StaffMember{}
	for rows.Next() {
		var m models.StaffMember
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Email, &m.Role, &m.BranchID,
			&m.FirstName, &m.LastName, &m.IsActive, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan staff: %w", err)
		}
		staff = append(staff, m)
	}
	return staff, rows.Err()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

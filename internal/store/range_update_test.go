package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/datamart/fulfillment-service/internal/domain"
)

func TestRangeFilter_StatusLeadsTheClause(t *testing.T) {
	accountID := uuid.New()
	network := domain.NetworkMTN

	t.Run("status only", func(t *testing.T) {
		sql, args := rangeFilter(RangeUpdateParams{CurrentStatus: domain.OrderStatusPending})
		if sql != "status = $1" {
			t.Fatalf("filter = %q, want status predicate only", sql)
		}
		if len(args) != 1 || args[0] != domain.OrderStatusPending {
			t.Fatalf("args = %v, want [pending]", args)
		}
	})

	t.Run("nil account adds no account predicate", func(t *testing.T) {
		sql, _ := rangeFilter(RangeUpdateParams{CurrentStatus: domain.OrderStatusPending})
		if strings.Contains(sql, "account_id") {
			t.Fatalf("filter %q must not pin an account when none was given", sql)
		}
	})

	t.Run("all filters in binding order", func(t *testing.T) {
		params := RangeUpdateParams{
			CurrentStatus: domain.OrderStatusProcessing,
			AccountID:     accountID,
			Filters:       domain.RangeUpdateFilters{Network: &network},
		}
		sql, args := rangeFilter(params)
		want := "status = $1 AND account_id = $2 AND network = $3"
		if sql != want {
			t.Fatalf("filter = %q, want %q", sql, want)
		}
		if args[0] != domain.OrderStatusProcessing || args[1] != accountID || args[2] != network {
			t.Fatalf("args = %v, want status/account/network in that order", args)
		}
	})
}

// The fakes below answer the two selection queries the way the orders table
// would: rows are filtered by the status bound as $1 and sliced by the
// positional bounds appended last.

type orderRow struct {
	ref    string
	status string
}

type rangeQuerier struct {
	rows []orderRow
}

func (q *rangeQuerier) matching(status string) []string {
	var refs []string
	for _, row := range q.rows {
		if row.status == status {
			refs = append(refs, row.ref)
		}
	}
	return refs
}

func (q *rangeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	total := len(q.matching(args[0].(string)))
	return fakeRow{total: total}
}

func (q *rangeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	refs := q.matching(args[0].(string))
	lo := args[len(args)-2].(int)
	hi := args[len(args)-1].(int)
	if hi > len(refs) {
		hi = len(refs)
	}
	if lo < 1 || lo > hi {
		return &fakeRows{}, nil
	}
	return &fakeRows{refs: refs[lo-1 : hi]}, nil
}

type fakeRow struct {
	total int
}

func (r fakeRow) Scan(dest ...any) error {
	*(dest[0].(*int)) = r.total
	return nil
}

type fakeRows struct {
	refs []string
	i    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.i >= len(r.refs) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.refs[r.i-1]
	return nil
}

// interleaved builds a history where pending and completed orders alternate,
// so positional numbering over the full table would differ from numbering
// over the pending subset.
func interleaved(pending, completed int) *rangeQuerier {
	q := &rangeQuerier{}
	p, c := 0, 0
	for i := 0; p < pending || c < completed; i++ {
		status := domain.OrderStatusPending
		if (i%2 == 1 && c < completed) || p >= pending {
			status = domain.OrderStatusCompleted
			c++
		} else {
			p++
		}
		q.rows = append(q.rows, orderRow{ref: fmt.Sprintf("WL%04dAA", i+1), status: status})
	}
	return q
}

func TestRangeSelection_PositionsCountCurrentStatusOnly(t *testing.T) {
	q := interleaved(30, 20)

	params := RangeUpdateParams{
		CurrentStatus: domain.OrderStatusPending,
		NewStatus:     domain.OrderStatusCompleted,
		Spec:          domain.RangeSpec{Mode: domain.RangeUpTo, From: 50},
	}
	refs, err := rangeSelection(context.Background(), q, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 30 {
		t.Fatalf("selected %d orders, want the 30 pending ones only", len(refs))
	}
	pending := q.matching(domain.OrderStatusPending)
	for i, ref := range refs {
		if ref != pending[i] {
			t.Fatalf("position %d = %s, want %s (pending subset order)", i+1, ref, pending[i])
		}
	}
}

func TestRangeSelection_BetweenAddressesPendingPositions(t *testing.T) {
	q := interleaved(10, 10)

	params := RangeUpdateParams{
		CurrentStatus: domain.OrderStatusPending,
		Spec:          domain.RangeSpec{Mode: domain.RangeBetween, From: 3, To: 5},
	}
	refs, err := rangeSelection(context.Background(), q, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pending := q.matching(domain.OrderStatusPending)
	want := pending[2:5]
	if len(refs) != len(want) {
		t.Fatalf("selected %d orders, want %d", len(refs), len(want))
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("position %d = %s, want %s", i+3, refs[i], want[i])
		}
	}
}

func TestRangeSelection_PreviewAndExecuteAgree(t *testing.T) {
	// Preview and execute resolve the range through the same selection, so
	// with no concurrent writers the previewed references are exactly what
	// execute locks.
	q := interleaved(25, 15)
	params := RangeUpdateParams{
		CurrentStatus: domain.OrderStatusPending,
		Spec:          domain.RangeSpec{Mode: domain.RangeBetween, From: 5, To: 20},
	}

	first, err := rangeSelection(context.Background(), q, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := rangeSelection(context.Background(), q, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("selections differ in size: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("selection diverged at position %d: %s vs %s", i+1, first[i], second[i])
		}
	}
}

func TestRangeSelection_EmptyStatusSetSelectsNothing(t *testing.T) {
	q := interleaved(0, 20)
	params := RangeUpdateParams{
		CurrentStatus: domain.OrderStatusPending,
		Spec:          domain.RangeSpec{Mode: domain.RangeAll},
	}
	refs, err := rangeSelection(context.Background(), q, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("selected %v from a set with no pending orders", refs)
	}
}

package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/payroll-engine/pkg/database"
)

// DefaultCopyBatchSize is used when a caller passes a non-positive batch size.
const DefaultCopyBatchSize = 2000

func clientScope(ctx context.Context) (*database.ClientScope, error) {
	scope, ok := database.GetClientScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no client scope in context")
	}
	return scope, nil
}

// isUniqueViolation reports a PostgreSQL unique violation (23505), optionally
// restricted to a named constraint or index.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// ============================================================================
// Numeric conversion
// ============================================================================

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func toNullableNumeric(d *decimal.Decimal) pgtype.Numeric {
	if d == nil {
		return pgtype.Numeric{}
	}
	return toNumeric(*d)
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.NaN || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func fromNullableNumeric(n pgtype.Numeric) *decimal.Decimal {
	if !n.Valid || n.NaN || n.Int == nil {
		return nil
	}
	d := decimal.NewFromBigInt(n.Int, n.Exp)
	return &d
}

// ============================================================================
// Batched COPY
// ============================================================================

// copyInBatches streams rows into table with one COPY per batch so a single
// file never holds more than batchSize encoded rows in memory. onBatch, when
// set, receives the running total after each batch.
func copyInBatches(ctx context.Context, tx pgx.Tx, table string, columns []string, rows [][]any, batchSize int, onBatch func(written int)) error {
	if batchSize <= 0 {
		batchSize = DefaultCopyBatchSize
	}
	written := 0
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows[start:end]))
		if err != nil {
			return fmt.Errorf("failed to copy %s rows %d-%d: %w", table, start, end, err)
		}
		written += int(n)
		if onBatch != nil {
			onBatch(written)
		}
	}
	return nil
}

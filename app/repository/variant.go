package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
)

type VariantRepository struct {
	db DBTX
}

func NewVariantRepository(db DBTX) *VariantRepository {
	return &VariantRepository{db: db}
}

// LockVariant reads a variant under a row lock. Callers lock variants in
// ascending id order.
func (r *VariantRepository) LockVariant(ctx context.Context, id uint64) (*entity.ProductVariant, error) {
	query := `
		SELECT id, product_id, sku, stock_quantity, reserved_quantity, updated_at
		FROM product_variants
		WHERE id = ?
		FOR UPDATE
	`

	variant := &entity.ProductVariant{}
	var sku sql.NullString
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&variant.ID,
		&variant.ProductID,
		&sku,
		&variant.StockQuantity,
		&variant.ReservedQuantity,
		&variant.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	variant.SKU = sku.String

	return variant, nil
}

func (r *VariantRepository) UpdateVariantStock(ctx context.Context, variant *entity.ProductVariant) error {
	query := `
		UPDATE product_variants SET
			stock_quantity = ?,
			reserved_quantity = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		variant.StockQuantity,
		variant.ReservedQuantity,
		variant.UpdatedAt,
		variant.ID,
	)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrVariantNotFound)
}

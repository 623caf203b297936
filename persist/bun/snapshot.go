package bunstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/a-cube-io/opqueue/item"
)

// Save replaces the stored snapshot in a single transaction.
func (s *Store) Save(ctx context.Context, items []*item.Item) error {
	now := time.Now().UTC()
	models := make([]itemModel, 0, len(items))
	for i, it := range items {
		m, err := toItemModel(it, i, now)
		if err != nil {
			return err
		}
		models = append(models, m)
	}

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*itemModel)(nil)).Where("TRUE").Exec(ctx); err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}
		if len(models) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&models).Exec(ctx); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("opqueue/bun: save: %w", err)
	}
	return nil
}

// Load returns the stored snapshot in saved order.
func (s *Store) Load(ctx context.Context) ([]*item.Item, error) {
	var models []itemModel
	if err := s.db.NewSelect().Model(&models).Order("position ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("opqueue/bun: load snapshot: %w", err)
	}

	items := make([]*item.Item, 0, len(models))
	for i := range models {
		it, err := fromItemModel(&models[i])
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 基于 GORM 的会话存储
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 GORM 存储，migrate 为 true 时自动建表
func NewGormStore(db *gorm.DB, migrate bool) (*GormStore, error) {
	if migrate {
		if err := db.AutoMigrate(&Session{}); err != nil {
			return nil, fmt.Errorf("%w: migrate: %w", ErrStore, err)
		}
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) Create(ctx context.Context, s *Session) error {
	err := g.db.WithContext(ctx).Create(s).Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	// 部分驱动不翻译唯一索引冲突，回查预约是否已存在
	if _, findErr := g.FindByReservationID(ctx, s.ReservationID); findErr == nil {
		return ErrDuplicate
	}
	return fmt.Errorf("%w: create: %w", ErrStore, err)
}

func (g *GormStore) FindBySessionID(ctx context.Context, id string) (*Session, error) {
	return g.first(g.db.WithContext(ctx).Where("session_id = ?", id))
}

func (g *GormStore) FindByReservationID(ctx context.Context, reservationID string) (*Session, error) {
	return g.first(g.db.WithContext(ctx).Where("reservation_id = ?", reservationID))
}

func (g *GormStore) first(tx *gorm.DB) (*Session, error) {
	var s Session
	if err := tx.Take(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return &s, nil
}

// Update 在事务内以行锁读取并保存（SQLite 不支持 FOR UPDATE，由其库级写锁保证串行）
func (g *GormStore) Update(ctx context.Context, id string, fn Mutator) (*Session, bool, error) {
	var (
		out     Session
		changed bool
	)
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() != "sqlite" {
			q = tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
		}
		if err := q.Where("session_id = ?", id).Take(&out).Error; err != nil {
			return err
		}
		if changed = fn(&out); !changed {
			return nil
		}
		return tx.Save(&out).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("%w: update: %w", ErrStore, err)
	}
	return &out, changed, nil
}

func (g *GormStore) ListActive(ctx context.Context) ([]*Session, error) {
	var list []*Session
	err := g.db.WithContext(ctx).
		Where("status <> ?", StatusEnded).
		Order("created_at").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return list, nil
}

func (g *GormStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := g.db.WithContext(ctx).Where("ttl < ?", now).Delete(&Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: purge: %w", ErrStore, res.Error)
	}
	return res.RowsAffected, nil
}

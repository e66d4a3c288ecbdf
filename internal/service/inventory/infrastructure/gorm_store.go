package infrastructure

import (
	"context"
	"math"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"nexus-inventory/internal/pkg/lock"
	"nexus-inventory/internal/service/inventory/domain"
)

// MySQL 错误码
const (
	errLockWaitTimeout = 1205
	errLockNoWait      = 3572
	errDuplicateEntry  = 1062
)

type txKey struct{}

// txScope 是 ctx 中携带的事务。嵌套独占拿到的锁挂在这里，事务结束后统一释放。
type txScope struct {
	tx       *gorm.DB
	releases []func()
}

func (s *txScope) done() {
	for i := len(s.releases) - 1; i >= 0; i-- {
		s.releases[i]()
	}
	s.releases = nil
}

// OpenMySQL 打开 gorm 连接。
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect mysql")
	}
	return db, nil
}

// GormStore 是库存和预占单的 MySQL 实现。
//
// 独占有两种方式：
//   - locker 为空时使用行锁 (SELECT ... FOR UPDATE)，等待上限由 innodb_lock_wait_timeout 控制；
//   - locker 不为空时先拿外部锁 (redis / zookeeper)，写入时再用 revision 做 CAS。
//
// 预占单独占内嵌套的库存操作通过 ctx 共享同一个事务，嵌套获取的外部锁持有到该事务提交或回滚之后。
type GormStore struct {
	db       *gorm.DB
	locker   lock.Locker
	lockWait time.Duration
}

func NewGormStore(db *gorm.DB, locker lock.Locker, lockWait time.Duration) *GormStore {
	return &GormStore{db: db, locker: locker, lockWait: lockWait}
}

// AutoMigrate 创建或更新两张表。
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&InventoryItemModel{}, &ReservationModel{})
}

func (s *GormStore) Inventory() *GormInventoryStore {
	return &GormInventoryStore{GormStore: s}
}

func (s *GormStore) Ledger() *GormReservationLedger {
	return &GormReservationLedger{GormStore: s}
}

// conn 返回 ctx 中的事务，没有则返回普通连接。
func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	if scope, ok := ctx.Value(txKey{}).(*txScope); ok {
		return scope.tx
	}
	return s.db.WithContext(ctx)
}

// exclusive 获取 key 的独占后在事务中执行 fn。已在事务中时复用该事务，锁在外层事务结束后才释放。
func (s *GormStore) exclusive(ctx context.Context, key string, fn func(ctx context.Context, tx *gorm.DB) error) error {
	var release func()
	if s.locker != nil {
		var err error
		if release, err = acquire(ctx, s.locker, key); err != nil {
			return err
		}
	}

	if scope, ok := ctx.Value(txKey{}).(*txScope); ok {
		if release != nil {
			scope.releases = append(scope.releases, release)
		}
		return fn(ctx, scope.tx)
	}
	if release != nil {
		defer release()
	}

	scope := &txScope{}
	defer scope.done()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.locker == nil && s.lockWait > 0 {
			secs := int(math.Ceil(s.lockWait.Seconds()))
			if err := tx.Exec("SET SESSION innodb_lock_wait_timeout = ?", secs).Error; err != nil {
				return errors.Wrap(err, "failed to set lock wait timeout")
			}
		}
		scope.tx = tx
		return fn(context.WithValue(ctx, txKey{}, scope), tx)
	})
}

// forUpdate 在行锁模式下给查询加 FOR UPDATE。
func (s *GormStore) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.locker != nil {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// GormInventoryStore 实现 domain.InventoryStore
type GormInventoryStore struct {
	*GormStore
}

func (s *GormInventoryStore) Get(ctx context.Context, sku string) (*domain.InventoryItem, error) {
	var model InventoryItemModel
	err := s.conn(ctx).Where("sku = ?", sku).First(&model).Error
	if err != nil {
		return nil, translateError(err, domain.ErrInventoryNotFound, sku)
	}
	return ToDomainInventoryItem(&model), nil
}

func (s *GormInventoryStore) WithExclusive(ctx context.Context, sku string, fn func(item *domain.InventoryItem) error) error {
	return s.exclusive(ctx, "inventory:"+sku, func(ctx context.Context, tx *gorm.DB) error {
		var model InventoryItemModel
		if err := s.forUpdate(tx).Where("sku = ?", sku).First(&model).Error; err != nil {
			return translateError(err, domain.ErrInventoryNotFound, sku)
		}

		item := ToDomainInventoryItem(&model)
		revision := item.Revision
		if err := fn(item); err != nil {
			return err
		}

		// 外部锁模式下依赖 revision 检测锁失效期间的并发写入
		res := tx.Model(&InventoryItemModel{}).
			Where("sku = ? AND revision = ?", sku, revision).
			Updates(map[string]interface{}{
				"total_quantity":     item.TotalQuantity,
				"available_quantity": item.AvailableQuantity,
				"reserved_quantity":  item.ReservedQuantity,
				"revision":           item.Revision,
				"updated_at":         item.UpdatedAt,
			})
		if res.Error != nil {
			return translateError(res.Error, domain.ErrInventoryNotFound, sku)
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(domain.ErrRevisionConflict, "sku %s at revision %d", sku, revision)
		}
		return nil
	})
}

// Seed 只插入尚不存在的 SKU，返回实际插入的数量。
func (s *GormInventoryStore) Seed(ctx context.Context, items []*domain.InventoryItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	models := make([]*InventoryItemModel, 0, len(items))
	for _, item := range items {
		models = append(models, FromDomainInventoryItem(item))
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to seed inventory")
	}
	return int(res.RowsAffected), nil
}

// GormReservationLedger 实现 domain.ReservationLedger
type GormReservationLedger struct {
	*GormStore
}

func (l *GormReservationLedger) Create(ctx context.Context, r *domain.Reservation) error {
	if err := l.conn(ctx).Create(FromDomainReservation(r)).Error; err != nil {
		return translateError(err, domain.ErrReservationNotFound, r.ReservationID)
	}
	return nil
}

func (l *GormReservationLedger) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	var model ReservationModel
	if err := l.conn(ctx).Where("reservation_id = ?", id).First(&model).Error; err != nil {
		return nil, translateError(err, domain.ErrReservationNotFound, id)
	}
	return ToDomainReservation(&model), nil
}

func (l *GormReservationLedger) WithExclusive(ctx context.Context, id string, fn func(ctx context.Context, r *domain.Reservation) error) error {
	return l.exclusive(ctx, "reservation:"+id, func(ctx context.Context, tx *gorm.DB) error {
		var model ReservationModel
		if err := l.forUpdate(tx).Where("reservation_id = ?", id).First(&model).Error; err != nil {
			return translateError(err, domain.ErrReservationNotFound, id)
		}

		r := ToDomainReservation(&model)
		if err := fn(ctx, r); err != nil {
			return err
		}

		err := tx.Model(&ReservationModel{}).
			Where("reservation_id = ?", id).
			Updates(map[string]interface{}{
				"status":     r.Status,
				"order_id":   r.OrderID,
				"updated_at": r.UpdatedAt,
			}).Error
		if err != nil {
			return translateError(err, domain.ErrReservationNotFound, id)
		}
		return nil
	})
}

func (l *GormReservationLedger) FindExpiredActive(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	query := l.conn(ctx).
		Where("status = ? AND expires_at < ?", domain.StatusActive, now).
		Order("expires_at")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []ReservationModel
	if err := query.Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query expired reservations")
	}

	out := make([]*domain.Reservation, 0, len(models))
	for i := range models {
		out = append(out, ToDomainReservation(&models[i]))
	}
	return out, nil
}

// translateError 把 gorm / mysql 错误映射为领域错误。
func translateError(err error, notFound error, key string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(notFound, "key %s", key)
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errLockWaitTimeout, errLockNoWait:
			return errors.Wrapf(domain.ErrContentionTimeout, "key %s", key)
		case errDuplicateEntry:
			return errors.Wrapf(err, "duplicate key %s", key)
		}
	}
	return errors.WithStack(err)
}

// Package db is the relational system of record. Only the durable
// synchroniser and the seed loader touch it at runtime; the hot path lives
// entirely in the operational store.
package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openalpha/spot-core/types"
)

// TradingPairRow mirrors types.TradingPair.
type TradingPairRow struct {
	ID                int64  `gorm:"primaryKey"`
	Symbol            string `gorm:"uniqueIndex;size:32"`
	BaseAsset         string `gorm:"size:16"`
	QuoteAsset        string `gorm:"size:16"`
	PricePrecision    int
	QuantityPrecision int
	MinQuantity       int64
	MaxQuantity       int64
	IsActive          bool
}

func (TradingPairRow) TableName() string { return "trading_pairs" }

// OrderRow mirrors types.Order. Amounts persist as scaled integers.
type OrderRow struct {
	ID            int64  `gorm:"primaryKey"`
	ClientOrderID string `gorm:"size:64"`
	UserID        int64  `gorm:"index"`
	TradingPairID int64  `gorm:"index"`
	Symbol        string `gorm:"size:32;index"`
	Side          int
	Type          int
	Quantity      int64
	Price         int64
	FilledQty     int64
	QuoteSpent    int64
	Status        int `gorm:"index"`
	CreatedAt     int64
	UpdatedAt     int64
}

func (OrderRow) TableName() string { return "orders" }

// TradeRow mirrors types.Trade.
type TradeRow struct {
	ID            int64  `gorm:"primaryKey"`
	TradingPairID int64  `gorm:"index"`
	Symbol        string `gorm:"size:32;index"`
	BuyOrderID    int64
	SellOrderID   int64
	BuyerID       int64 `gorm:"index"`
	SellerID      int64 `gorm:"index"`
	Price         int64
	Quantity      int64
	Fee           int64
	FeeAsset      string `gorm:"size:16"`
	TakerSide     int
	ExecutedAt    int64
}

func (TradeRow) TableName() string { return "trades" }

// AssetRow mirrors types.Asset, unique per (user, currency).
type AssetRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	UserID    int64  `gorm:"uniqueIndex:idx_assets_user_currency"`
	Currency  string `gorm:"size:16;uniqueIndex:idx_assets_user_currency"`
	Available int64
	Frozen    int64
	UpdatedAt int64
}

func (AssetRow) TableName() string { return "assets" }

// Writer is the mutation surface the synchroniser drains into. It is
// satisfied both by DB and by the transaction handle passed to Transact.
type Writer interface {
	UpsertOrder(ctx context.Context, o *types.Order) error
	DeleteOrder(ctx context.Context, orderID int64) error
	InsertTrade(ctx context.Context, t *types.Trade) error
	DeleteTrade(ctx context.Context, tradeID int64) error
	UpsertAsset(ctx context.Context, a *types.Asset) error
}

// DB wraps the gorm handle.
type DB struct {
	gdb *gorm.DB
}

// Open connects to the relational store and migrates the schema.
func Open(dsn string, logger *zap.Logger) (*DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open relational store: %w", err)
	}
	if err := gdb.AutoMigrate(&TradingPairRow{}, &OrderRow{}, &TradeRow{}, &AssetRow{}); err != nil {
		return nil, fmt.Errorf("migrate relational schema: %w", err)
	}
	if logger != nil {
		logger.Info("relational store ready")
	}
	return &DB{gdb: gdb}, nil
}

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transact runs fn inside one relational transaction. The whole drain batch
// commits or rolls back together.
func (d *DB) Transact(ctx context.Context, fn func(Writer) error) error {
	return d.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&DB{gdb: tx})
	})
}

// UpsertOrder inserts or fully updates an order row. Covers both Create
// (insert if absent) and Update (insert covers late seed races).
func (d *DB) UpsertOrder(ctx context.Context, o *types.Order) error {
	row := &OrderRow{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		UserID:        o.UserID,
		TradingPairID: o.TradingPairID,
		Symbol:        o.Symbol,
		Side:          int(o.Side),
		Type:          int(o.Type),
		Quantity:      int64(o.Quantity),
		Price:         int64(o.Price),
		FilledQty:     int64(o.FilledQty),
		QuoteSpent:    int64(o.QuoteSpent),
		Status:        int(o.Status),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	return d.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(row).Error
}

// DeleteOrder removes an order row if it exists.
func (d *DB) DeleteOrder(ctx context.Context, orderID int64) error {
	return d.gdb.WithContext(ctx).Delete(&OrderRow{}, orderID).Error
}

// InsertTrade inserts a trade row once; replays are no-ops.
func (d *DB) InsertTrade(ctx context.Context, t *types.Trade) error {
	row := &TradeRow{
		ID:            t.ID,
		TradingPairID: t.TradingPairID,
		Symbol:        t.Symbol,
		BuyOrderID:    t.BuyOrderID,
		SellOrderID:   t.SellOrderID,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		Price:         int64(t.Price),
		Quantity:      int64(t.Quantity),
		Fee:           int64(t.Fee),
		FeeAsset:      t.FeeAsset,
		TakerSide:     int(t.TakerSide),
		ExecutedAt:    t.ExecutedAt,
	}
	return d.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(row).Error
}

// DeleteTrade removes a trade row if it exists.
func (d *DB) DeleteTrade(ctx context.Context, tradeID int64) error {
	return d.gdb.WithContext(ctx).Delete(&TradeRow{}, tradeID).Error
}

// UpsertAsset inserts or fully updates a balance row.
func (d *DB) UpsertAsset(ctx context.Context, a *types.Asset) error {
	row := &AssetRow{
		UserID:    a.UserID,
		Currency:  a.Currency,
		Available: int64(a.Available),
		Frozen:    int64(a.Frozen),
		UpdatedAt: a.UpdatedAt,
	}
	return d.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "currency"}},
			DoUpdates: clause.AssignmentColumns([]string{"available", "frozen", "updated_at"}),
		}).
		Create(row).Error
}

// ActivePairs lists every active trading pair for seeding.
func (d *DB) ActivePairs(ctx context.Context) ([]*types.TradingPair, error) {
	var rows []TradingPairRow
	if err := d.gdb.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	pairs := make([]*types.TradingPair, 0, len(rows))
	for _, r := range rows {
		pairs = append(pairs, &types.TradingPair{
			ID:                r.ID,
			Symbol:            r.Symbol,
			BaseAsset:         r.BaseAsset,
			QuoteAsset:        r.QuoteAsset,
			PricePrecision:    r.PricePrecision,
			QuantityPrecision: r.QuantityPrecision,
			MinQuantity:       types.Amount(r.MinQuantity),
			MaxQuantity:       types.Amount(r.MaxQuantity),
			IsActive:          r.IsActive,
		})
	}
	return pairs, nil
}

// SavePair writes a trading pair row (operator tooling and tests).
func (d *DB) SavePair(ctx context.Context, p *types.TradingPair) error {
	row := &TradingPairRow{
		ID:                p.ID,
		Symbol:            p.Symbol,
		BaseAsset:         p.BaseAsset,
		QuoteAsset:        p.QuoteAsset,
		PricePrecision:    p.PricePrecision,
		QuantityPrecision: p.QuantityPrecision,
		MinQuantity:       int64(p.MinQuantity),
		MaxQuantity:       int64(p.MaxQuantity),
		IsActive:          p.IsActive,
	}
	return d.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(row).Error
}

// OpenOrders lists orders still live on any book, for seeding.
func (d *DB) OpenOrders(ctx context.Context) ([]*types.Order, error) {
	var rows []OrderRow
	statuses := []int{
		int(types.OrderStatusPending),
		int(types.OrderStatusActive),
		int(types.OrderStatusPartiallyFilled),
	}
	if err := d.gdb.WithContext(ctx).Where("status IN ?", statuses).
		Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	orders := make([]*types.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, orderFromRow(r))
	}
	return orders, nil
}

// MaxOrderID returns the highest persisted order id, 0 when empty.
func (d *DB) MaxOrderID(ctx context.Context) (int64, error) {
	return d.maxID(ctx, &OrderRow{})
}

// MaxTradeID returns the highest persisted trade id, 0 when empty.
func (d *DB) MaxTradeID(ctx context.Context) (int64, error) {
	return d.maxID(ctx, &TradeRow{})
}

func (d *DB) maxID(ctx context.Context, model interface{}) (int64, error) {
	var max *int64
	if err := d.gdb.WithContext(ctx).Model(model).
		Select("MAX(id)").Scan(&max).Error; err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// Assets lists every balance row for seeding.
func (d *DB) Assets(ctx context.Context) ([]*types.Asset, error) {
	var rows []AssetRow
	if err := d.gdb.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	assets := make([]*types.Asset, 0, len(rows))
	for _, r := range rows {
		assets = append(assets, &types.Asset{
			UserID:    r.UserID,
			Currency:  r.Currency,
			Available: types.Amount(r.Available),
			Frozen:    types.Amount(r.Frozen),
			UpdatedAt: r.UpdatedAt,
		})
	}
	return assets, nil
}

func orderFromRow(r OrderRow) *types.Order {
	return &types.Order{
		ID:            r.ID,
		ClientOrderID: r.ClientOrderID,
		UserID:        r.UserID,
		TradingPairID: r.TradingPairID,
		Symbol:        r.Symbol,
		Side:          types.Side(r.Side),
		Type:          types.OrderType(r.Type),
		Quantity:      types.Amount(r.Quantity),
		Price:         types.Amount(r.Price),
		FilledQty:     types.Amount(r.FilledQty),
		QuoteSpent:    types.Amount(r.QuoteSpent),
		Status:        types.OrderStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

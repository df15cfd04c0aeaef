package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"spotex.com/internal/funds"
	"spotex.com/internal/matching"
	"spotex.com/pkg/xerr"
)

type txKey struct{}

// Store gorm 实现的持久化网关，事务对象通过 ctx 传播
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(Models()...)
}

func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (s *Store) getDb(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return s.db.WithContext(ctx)
}

// mysql 1062 ER_DUP_ENTRY
const erDupEntry = 1062

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysqldriver.MySQLError
	if errors.As(err, &me) && me.Number == erDupEntry {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}

func (s *Store) InsertOrder(ctx context.Context, o *matching.Order) error {
	row := toOrderRow(o)
	if err := s.getDb(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) && o.ClientOrderID != "" {
			return xerr.ErrDuplicateClientOrderId
		}
		return fmt.Errorf("insert order %d: %w", o.ID, err)
	}
	return nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, o *matching.Order) error {
	res := s.getDb(ctx).Model(&OrderRow{}).
		Where("id = ?", o.ID).
		Updates(map[string]interface{}{
			"status":        o.Status.String(),
			"remaining":     o.Remaining,
			"last_trade_at": o.LastTradeAt,
			"canceled_at":   o.CanceledAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update order %d: %w", o.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update order %d: no row", o.ID)
	}
	return nil
}

func (s *Store) InsertTrade(ctx context.Context, t *matching.Trade) error {
	row := toTradeRow(t)
	if err := s.getDb(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert trade %d/%s: %w", t.ID, t.Liquidity, err)
	}
	return nil
}

func (s *Store) EnsureBalance(ctx context.Context, memberID uint64, asset string) error {
	row := BalanceRow{MemberID: memberID, Asset: asset, Amount: decimal.Zero, Locked: decimal.Zero}
	return s.getDb(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (s *Store) AdjustBalance(ctx context.Context, memberID uint64, asset string, amountDelta, lockedDelta decimal.Decimal) error {
	res := s.getDb(ctx).Model(&BalanceRow{}).
		Where("member_id = ? AND asset = ?", memberID, asset).
		Updates(map[string]interface{}{
			"amount": gorm.Expr("amount + ?", amountDelta),
			"locked": gorm.Expr("locked + ?", lockedDelta),
		})
	if res.Error != nil {
		return fmt.Errorf("adjust balance %d/%s: %w", memberID, asset, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("adjust balance %d/%s: no row", memberID, asset)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id uint64) (*matching.Order, error) {
	var row OrderRow
	if err := s.getDb(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.ErrNotFoundOrder
		}
		return nil, err
	}
	return fromOrderRow(&row)
}

func (s *Store) GetOrderByClientID(ctx context.Context, memberID uint64, clientOrderID string) (*matching.Order, error) {
	var row OrderRow
	err := s.getDb(ctx).
		Where("member_id = ? AND client_order_id = ?", memberID, clientOrderID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.ErrNotFoundOrder
		}
		return nil, err
	}
	return fromOrderRow(&row)
}

func (s *Store) OpenOrders(ctx context.Context) ([]*matching.Order, error) {
	var rows []OrderRow
	err := s.getDb(ctx).
		Where("status IN ?", []string{matching.StatusNew.String(), matching.StatusPartial.String()}).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*matching.Order, 0, len(rows))
	for i := range rows {
		o, err := fromOrderRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) Trades(ctx context.Context, f matching.TradeFilter) ([]*matching.Trade, error) {
	f = f.Normalize()
	q := s.getDb(ctx).Model(&TradeRow{})
	if f.MemberID != 0 {
		q = q.Where("member_id = ?", f.MemberID)
	}
	if f.Pair != "" {
		q = q.Where("pair = ?", f.Pair)
	}
	if f.FromID != 0 {
		q = q.Where("trade_id >= ?", f.FromID)
	}
	if !f.Start.IsZero() {
		q = q.Where("executed_at >= ?", f.Start)
	}
	if !f.End.IsZero() {
		q = q.Where("executed_at <= ?", f.End)
	}
	var rows []TradeRow
	if err := q.Order("trade_id ASC, liquidity ASC").Limit(f.Limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*matching.Trade, 0, len(rows))
	for i := range rows {
		t, err := fromTradeRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) LoadBalances(ctx context.Context) ([]funds.Balance, error) {
	var rows []BalanceRow
	if err := s.getDb(ctx).Order("member_id ASC, asset ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]funds.Balance, 0, len(rows))
	for _, r := range rows {
		out = append(out, funds.Balance{MemberID: r.MemberID, Asset: r.Asset, Amount: r.Amount, Locked: r.Locked})
	}
	return out, nil
}

func (s *Store) FeeTotals(ctx context.Context) (map[string]decimal.Decimal, error) {
	var rows []struct {
		FeeAsset string
		Total    decimal.Decimal
	}
	err := s.getDb(ctx).Model(&TradeRow{}).
		Select("fee_asset, SUM(fee) AS total").
		Where("fee > 0").
		Group("fee_asset").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		out[r.FeeAsset] = r.Total
	}
	return out, nil
}

func (s *Store) MaxID(ctx context.Context) (uint64, error) {
	var ids struct {
		Orders uint64
		Trades uint64
	}
	db := s.getDb(ctx)
	if err := db.Model(&OrderRow{}).Select("COALESCE(MAX(id), 0)").Scan(&ids.Orders).Error; err != nil {
		return 0, err
	}
	if err := db.Model(&TradeRow{}).Select("COALESCE(MAX(trade_id), 0)").Scan(&ids.Trades).Error; err != nil {
		return 0, err
	}
	if ids.Trades > ids.Orders {
		return ids.Trades, nil
	}
	return ids.Orders, nil
}

func toOrderRow(o *matching.Order) OrderRow {
	row := OrderRow{
		ID:          o.ID,
		MemberID:    o.MemberID,
		Pair:        o.Pair,
		Side:        o.Side.String(),
		Type:        o.Type.String(),
		TimeInForce: o.TimeInForce.String(),
		Price:       o.Price,
		Amount:      o.Amount,
		Remaining:   o.Remaining,
		Status:      o.Status.String(),
		OpenedAt:    o.OpenedAt,
		CanceledAt:  o.CanceledAt,
		LastTradeAt: o.LastTradeAt,
	}
	// 空串存 NULL，唯一索引才不会把所有没传 clientOrderId 的单当成重复
	if o.ClientOrderID != "" {
		cid := o.ClientOrderID
		row.ClientOrderID = &cid
	}
	return row
}

func fromOrderRow(r *OrderRow) (*matching.Order, error) {
	o := &matching.Order{
		ID:          r.ID,
		MemberID:    r.MemberID,
		Pair:        r.Pair,
		Price:       r.Price,
		Amount:      r.Amount,
		Remaining:   r.Remaining,
		OpenedAt:    r.OpenedAt,
		CanceledAt:  r.CanceledAt,
		LastTradeAt: r.LastTradeAt,
	}
	if r.ClientOrderID != nil {
		o.ClientOrderID = *r.ClientOrderID
	}
	if err := o.Side.UnmarshalText([]byte(r.Side)); err != nil {
		return nil, err
	}
	if err := o.Type.UnmarshalText([]byte(r.Type)); err != nil {
		return nil, err
	}
	if err := o.TimeInForce.UnmarshalText([]byte(r.TimeInForce)); err != nil {
		return nil, err
	}
	if err := o.Status.UnmarshalText([]byte(r.Status)); err != nil {
		return nil, err
	}
	return o, nil
}

func toTradeRow(t *matching.Trade) TradeRow {
	return TradeRow{
		TradeID:      t.ID,
		Liquidity:    t.Liquidity.String(),
		Pair:         t.Pair,
		MemberID:     t.MemberID,
		OrderID:      t.OrderID,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		Side:         t.Side.String(),
		Price:        t.Price,
		Amount:       t.Amount,
		Fee:          t.Fee,
		FeeAsset:     t.FeeAsset,
		ExecutedAt:   t.ExecutedAt,
	}
}

func fromTradeRow(r *TradeRow) (*matching.Trade, error) {
	t := &matching.Trade{
		ID:           r.TradeID,
		Pair:         r.Pair,
		MemberID:     r.MemberID,
		OrderID:      r.OrderID,
		MakerOrderID: r.MakerOrderID,
		TakerOrderID: r.TakerOrderID,
		Price:        r.Price,
		Amount:       r.Amount,
		Fee:          r.Fee,
		FeeAsset:     r.FeeAsset,
		ExecutedAt:   r.ExecutedAt,
		Liquidity:    matching.Taker,
	}
	if r.Liquidity == matching.Maker.String() {
		t.Liquidity = matching.Maker
	}
	if err := t.Side.UnmarshalText([]byte(r.Side)); err != nil {
		return nil, err
	}
	return t, nil
}

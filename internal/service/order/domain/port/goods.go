package port

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Goods 商品信息
type Goods struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Price           decimal.Decimal `json:"price"`
	OnSale          bool            `json:"onSale"`
	RequiresBooking bool            `json:"requiresBooking"`
}

// GoodsService 是商品服务的出站端口。
type GoodsService interface {
	GetGoods(ctx context.Context, goodsID string) (*Goods, error)
}

// Booking 下单前的预约记录
type Booking struct {
	ID        string    `json:"id"`
	BuyerID   string    `json:"buyerId"`
	GoodsID   string    `json:"goodsId"`
	Quantity  int       `json:"quantity"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired 预约已过期
func (b *Booking) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// GoodsBookService 查询用户对商品的预约
type GoodsBookService interface {
	// GetBooking 没有预约时返回 ErrNotFound
	GetBooking(ctx context.Context, buyerID, goodsID string) (*Booking, error)
}

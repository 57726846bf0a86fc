// internal/service/order/application/dto.go
package application

import (
	"time"

	"github.com/shopspring/decimal"

	"fulfillment/internal/service/order/application/validator"
	"fulfillment/internal/service/order/domain"
)

// CreateOrderRequest 是创建订单用例的输入数据
type CreateOrderRequest struct {
	BuyerID       string           `json:"buyerId"`
	GoodsID       string           `json:"goodsId"`
	GoodsType     string           `json:"goodsType"`
	ItemCount     int              `json:"itemCount"`
	Identifier    string           `json:"identifier"`
	ExpectedPrice *decimal.Decimal `json:"expectedPrice,omitempty"`
}

func (r *CreateOrderRequest) toValidatorInput() *validator.Input {
	return &validator.Input{
		BuyerID:       r.BuyerID,
		GoodsID:       r.GoodsID,
		GoodsType:     r.GoodsType,
		ItemCount:     r.ItemCount,
		Identifier:    r.Identifier,
		ExpectedPrice: r.ExpectedPrice,
	}
}

// OrderResponse 是订单用例的输出数据
type OrderResponse struct {
	OrderID    string        `json:"orderId"`
	GoodsID    string        `json:"goodsId"`
	GoodsType  string        `json:"goodsType"`
	BuyerID    string        `json:"buyerId"`
	ItemCount  int           `json:"itemCount"`
	Status     domain.Status `json:"status"`
	Identifier string        `json:"identifier"`
	CreateTime time.Time     `json:"createTime"`
}

// ToOrderResponse 从领域对象转换为输出 DTO
func ToOrderResponse(o *domain.Order) *OrderResponse {
	return &OrderResponse{
		OrderID:    o.ID,
		GoodsID:    o.GoodsID,
		GoodsType:  o.GoodsType,
		BuyerID:    o.BuyerID,
		ItemCount:  o.ItemCount,
		Status:     o.Status,
		Identifier: o.Identifier,
		CreateTime: o.CreatedAt,
	}
}

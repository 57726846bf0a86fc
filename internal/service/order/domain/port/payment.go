package port

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentRequest 发起支付所需信息
type PaymentRequest struct {
	OrderID string          `json:"orderId"`
	BuyerID string          `json:"buyerId"`
	Amount  decimal.Decimal `json:"amount"`
}

// PaymentService 是支付服务的出站端口。
type PaymentService interface {
	// InitiatePayment 发起支付，结果通过回调或 payment-result-topic 返回
	InitiatePayment(ctx context.Context, req *PaymentRequest) error
}

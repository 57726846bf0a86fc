package adapter

import (
	"context"
	"fmt"

	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/service/order/domain/port"
)

// PaymentHTTPAdapter 实现了 port.PaymentService 接口。
type PaymentHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewPaymentHTTPAdapter(client *httpclient.Client, baseURL string) *PaymentHTTPAdapter {
	return &PaymentHTTPAdapter{client: client, baseURL: baseURL}
}

// InitiatePayment 发起支付，结果异步返回
func (a *PaymentHTTPAdapter) InitiatePayment(ctx context.Context, req *port.PaymentRequest) error {
	if err := a.client.PostJSON(ctx, a.baseURL+paymentPath, req, nil); err != nil {
		return fmt.Errorf("initiate payment for order %s: %w", req.OrderID, err)
	}
	return nil
}

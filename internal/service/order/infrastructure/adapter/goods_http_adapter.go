package adapter

import (
	"context"
	"net/url"

	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/service/order/domain/port"
)

// GoodsHTTPAdapter 同时实现 port.GoodsService 和 port.GoodsBookService，
// 商品和预约由同一个下游服务提供时可以共用一个实例。
type GoodsHTTPAdapter struct {
	client     *httpclient.Client
	goodsURL   string
	bookingURL string
}

func NewGoodsHTTPAdapter(client *httpclient.Client, goodsURL, bookingURL string) *GoodsHTTPAdapter {
	return &GoodsHTTPAdapter{client: client, goodsURL: goodsURL, bookingURL: bookingURL}
}

func (a *GoodsHTTPAdapter) GetGoods(ctx context.Context, goodsID string) (*port.Goods, error) {
	params := url.Values{}
	params.Set("goodsId", goodsID)

	var goods port.Goods
	if err := a.client.GetJSON(ctx, a.goodsURL+goodsGetPath, params, &goods); err != nil {
		return nil, translate(err, "goods", goodsID)
	}
	return &goods, nil
}

func (a *GoodsHTTPAdapter) GetBooking(ctx context.Context, buyerID, goodsID string) (*port.Booking, error) {
	params := url.Values{}
	params.Set("buyerId", buyerID)
	params.Set("goodsId", goodsID)

	var booking port.Booking
	if err := a.client.GetJSON(ctx, a.bookingURL+goodsBookingPath, params, &booking); err != nil {
		return nil, translate(err, "booking", buyerID+"/"+goodsID)
	}
	return &booking, nil
}

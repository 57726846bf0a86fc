package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/service/order/domain/port"
)

const (
	userGetPath      = "/users/get"
	goodsGetPath     = "/goods/get"
	goodsBookingPath = "/goods/booking"
	paymentPath      = "/payments/initiate"
)

// UserHTTPAdapter 是 port.UserService 接口的 HTTP 实现。
type UserHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

// NewUserHTTPAdapter 创建一个新的用户服务适配器实例。
func NewUserHTTPAdapter(client *httpclient.Client, baseURL string) *UserHTTPAdapter {
	return &UserHTTPAdapter{client: client, baseURL: baseURL}
}

func (a *UserHTTPAdapter) GetUser(ctx context.Context, userID string) (*port.User, error) {
	params := url.Values{}
	params.Set("userId", userID)

	var user port.User
	if err := a.client.GetJSON(ctx, a.baseURL+userGetPath, params, &user); err != nil {
		return nil, translate(err, "user", userID)
	}
	return &user, nil
}

// translate 把下游 404 转换成端口层的 ErrNotFound
func translate(err error, resource, id string) error {
	if errors.Is(err, httpclient.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", resource, id, port.ErrNotFound)
	}
	return fmt.Errorf("query %s %s: %w", resource, id, err)
}

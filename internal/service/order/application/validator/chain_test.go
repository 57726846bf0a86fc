package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/pkg/config"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

type fakeUsers struct {
	users map[string]*port.User
	calls int
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (*port.User, error) {
	f.calls++
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, port.ErrNotFound
}

type fakeGoods struct {
	goods map[string]*port.Goods
	err   error
	calls int
}

func (f *fakeGoods) GetGoods(_ context.Context, id string) (*port.Goods, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if g, ok := f.goods[id]; ok {
		return g, nil
	}
	return nil, port.ErrNotFound
}

type fakeBooks struct {
	bookings map[string]*port.Booking
}

func (f *fakeBooks) GetBooking(_ context.Context, buyerID, goodsID string) (*port.Booking, error) {
	if b, ok := f.bookings[buyerID+"/"+goodsID]; ok {
		return b, nil
	}
	return nil, port.ErrNotFound
}

type fixture struct {
	users  *fakeUsers
	goods  *fakeGoods
	books  *fakeBooks
	chains *Chains
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users: &fakeUsers{users: map[string]*port.User{
			"u1":     {ID: "u1", Status: port.UserActive},
			"banned": {ID: "banned", Status: port.UserBanned},
		}},
		goods: &fakeGoods{goods: map[string]*port.Goods{
			"c1":  {ID: "c1", Type: "COLLECTION", Price: decimal.RequireFromString("19.90"), OnSale: true},
			"off": {ID: "off", Type: "COLLECTION", Price: decimal.NewFromInt(1), OnSale: false},
			"bb1": {ID: "bb1", Type: "BLIND_BOX", Price: decimal.NewFromInt(59), OnSale: true, RequiresBooking: true},
		}},
		books: &fakeBooks{bookings: map[string]*port.Booking{
			"u1/bb1": {ID: "bk1", BuyerID: "u1", GoodsID: "bb1", Quantity: 3, ExpiresAt: time.Now().Add(time.Hour)},
		}},
	}
	factory := &Factory{Users: f.users, Goods: f.goods, Books: f.books, Tracer: noop.NewTracerProvider().Tracer("test")}
	chains, err := NewChains(factory, config.Default().Validator)
	require.NoError(t, err)
	f.chains = chains
	return f
}

func validationReason(t *testing.T, err error) *domain.ValidationError {
	t.Helper()
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	return ve
}

func TestChains_Collection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	price := decimal.RequireFromString("19.9")
	err := f.chains.Validate(ctx, &Input{BuyerID: "u1", GoodsID: "c1", GoodsType: "COLLECTION", ItemCount: 10, ExpectedPrice: &price})
	assert.NoError(t, err)

	err = f.chains.Validate(ctx, &Input{BuyerID: "nobody", GoodsID: "c1", GoodsType: "COLLECTION", ItemCount: 1})
	assert.Equal(t, "user", validationReason(t, err).Validator)

	err = f.chains.Validate(ctx, &Input{BuyerID: "banned", GoodsID: "c1", GoodsType: "COLLECTION", ItemCount: 1})
	assert.Equal(t, "user", validationReason(t, err).Validator)

	err = f.chains.Validate(ctx, &Input{BuyerID: "u1", GoodsID: "off", GoodsType: "COLLECTION", ItemCount: 1})
	assert.Equal(t, "goods", validationReason(t, err).Validator)

	stale := decimal.NewFromInt(10)
	err = f.chains.Validate(ctx, &Input{BuyerID: "u1", GoodsID: "c1", GoodsType: "COLLECTION", ItemCount: 1, ExpectedPrice: &stale})
	assert.Equal(t, "goods", validationReason(t, err).Validator)

	err = f.chains.Validate(ctx, &Input{BuyerID: "u1", GoodsID: "c1", GoodsType: "BLIND_BOX", ItemCount: 1})
	assert.Equal(t, "goods", validationReason(t, err).Validator)
}

func TestChains_ShortCircuit(t *testing.T) {
	f := newFixture(t)
	err := f.chains.Validate(context.Background(), &Input{BuyerID: "banned", GoodsID: "c1", GoodsType: "COLLECTION", ItemCount: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, f.goods.calls)
}

func TestChains_BlindBox(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.NoError(t, f.chains.Validate(ctx, &Input{BuyerID: "u1", GoodsID: "bb1", GoodsType: "BLIND_BOX", ItemCount: 2}))

	// 超过预约数量
	err := f.chains.Validate(ctx, &Input{BuyerID: "u1", GoodsID: "bb1", GoodsType: "BLIND_BOX", ItemCount: 4})
	assert.Equal(t, "bind_match", validationReason(t, err).Validator)

	f.users.users["u2"] = &port.User{ID: "u2", Status: port.UserActive}
	err = f.chains.Validate(ctx, &Input{BuyerID: "u2", GoodsID: "bb1", GoodsType: "BLIND_BOX", ItemCount: 1})
	assert.Equal(t, "goods_book", validationReason(t, err).Validator)

	f.books.bookings["u1/bb1"].ExpiresAt = time.Now().Add(-time.Minute)
	err = f.chains.Validate(ctx, &Input{BuyerID: "u1", GoodsID: "bb1", GoodsType: "BLIND_BOX", ItemCount: 1})
	assert.Equal(t, "goods_book", validationReason(t, err).Validator)
}

func TestChains_Rule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.books.bookings["u1/bb1"].Quantity = 10

	err := f.chains.Validate(ctx, &Input{BuyerID: "u1", GoodsID: "bb1", GoodsType: "BLIND_BOX", ItemCount: 6})
	assert.Equal(t, "rule", validationReason(t, err).Validator)

	cfg := config.Default().Validator
	cfg.Rules["BLIND_BOX"] = "itemCount <= 10 && price < 100.0"
	require.NoError(t, f.chains.Reload(cfg))
	assert.NoError(t, f.chains.Validate(ctx, &Input{BuyerID: "u1", GoodsID: "bb1", GoodsType: "BLIND_BOX", ItemCount: 6}))
}

func TestChains_ReloadKeepsOldOnError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cfg := config.Default().Validator
	cfg.Rules["BLIND_BOX"] = "itemCount <="
	assert.Error(t, f.chains.Reload(cfg))

	cfg = config.Default().Validator
	cfg.Chains["COLLECTION"] = []string{"user", "unknown"}
	assert.Error(t, f.chains.Reload(cfg))

	assert.NoError(t, f.chains.Validate(ctx, &Input{BuyerID: "u1", GoodsID: "c1", GoodsType: "COLLECTION", ItemCount: 1}))
}

func TestFactory_BuildRequiresBaseOrder(t *testing.T) {
	factory := &Factory{Tracer: noop.NewTracerProvider().Tracer("test")}

	bad := map[string][]string{
		"empty":              nil,
		"goods only":         {"goods"},
		"book before goods":  {"user", "goods_book", "goods"},
		"missing book":       {"user", "goods", "bind_match"},
		"base repeated":      {"user", "goods", "goods_book", "user"},
		"duplicate ext":      {"user", "goods", "goods_book", "bind_match", "bind_match"},
		"unknown after base": {"user", "goods", "goods_book", "unknown"},
	}
	for name, names := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := factory.Build(names, "itemCount <= 5")
			assert.ErrorIs(t, err, ErrInvalidChain)
		})
	}

	for _, names := range [][]string{
		{"user", "goods", "goods_book"},
		{"user", "goods", "goods_book", "rule"},
		{"user", "goods", "goods_book", "rule", "bind_match"},
	} {
		_, err := factory.Build(names, "itemCount <= 5")
		assert.NoError(t, err, "%v", names)
	}
}

func TestChains_ReloadRejectsReorderedChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cfg := config.Default().Validator
	cfg.Chains["COLLECTION"] = []string{"user", "goods_book", "goods"}
	assert.ErrorIs(t, f.chains.Reload(cfg), ErrInvalidChain)

	factory := &Factory{Users: f.users, Goods: f.goods, Books: f.books, Tracer: noop.NewTracerProvider().Tracer("test")}
	_, err := NewChains(factory, cfg)
	assert.ErrorIs(t, err, ErrInvalidChain)

	// 旧链仍然生效，goods_book 能拿到 goods 校验器写入的商品
	assert.NoError(t, f.chains.Validate(ctx, &Input{BuyerID: "u1", GoodsID: "c1", GoodsType: "COLLECTION", ItemCount: 1}))
}

func TestChains_UnknownGoodsType(t *testing.T) {
	f := newFixture(t)
	err := f.chains.Validate(context.Background(), &Input{BuyerID: "u1", GoodsID: "c1", GoodsType: "TICKET", ItemCount: 1})
	assert.Equal(t, "chain", validationReason(t, err).Validator)
}

func TestChains_DownstreamErrorIsNotValidation(t *testing.T) {
	f := newFixture(t)
	f.goods.err = errors.New("connection refused")
	err := f.chains.Validate(context.Background(), &Input{BuyerID: "u1", GoodsID: "c1", GoodsType: "COLLECTION", ItemCount: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrValidation)
}

func TestRuleValidator_CompileError(t *testing.T) {
	_, err := NewRuleValidator("itemCount +")
	assert.Error(t, err)
	_, err = NewRuleValidator("unknownVar > 1")
	assert.Error(t, err)
}

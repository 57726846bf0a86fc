package validator

import (
	"errors"
	"fmt"

	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// GoodsValidator 商品存在、在售、类型一致、价格一致
type GoodsValidator struct {
	NextHandler
	goods port.GoodsService
}

func NewGoodsValidator(goods port.GoodsService) *GoodsValidator {
	return &GoodsValidator{goods: goods}
}

func (v *GoodsValidator) Handle(vc *Context) error {
	ctx, span := startSpan(vc, "goods")
	defer span.End()

	in := vc.Input
	goods, err := v.goods.GetGoods(ctx, in.GoodsID)
	if errors.Is(err, port.ErrNotFound) {
		return fail(span, domain.NewValidationError("goods", "goods %s not found", in.GoodsID))
	}
	if err != nil {
		return fail(span, fmt.Errorf("query goods %s: %w", in.GoodsID, err))
	}
	if !goods.OnSale {
		return fail(span, domain.NewValidationError("goods", "goods %s is not on sale", in.GoodsID))
	}
	if goods.Type != in.GoodsType {
		return fail(span, domain.NewValidationError("goods", "goods %s is %s, not %s", in.GoodsID, goods.Type, in.GoodsType))
	}
	if in.ExpectedPrice != nil && !goods.Price.Equal(*in.ExpectedPrice) {
		return fail(span, domain.NewValidationError("goods", "price changed: expected %s, current %s", in.ExpectedPrice.String(), goods.Price.String()))
	}
	vc.Goods = goods
	return v.executeNext(vc)
}

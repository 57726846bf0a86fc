package validator

import (
	"fulfillment/internal/service/order/domain"
)

// BindMatchValidator 盲盒专用：预约必须绑定到本次购买的买家和商品，且数量不超过预约数量
type BindMatchValidator struct {
	NextHandler
}

func NewBindMatchValidator() *BindMatchValidator {
	return &BindMatchValidator{}
}

func (v *BindMatchValidator) Handle(vc *Context) error {
	_, span := startSpan(vc, "bind_match")
	defer span.End()

	b := vc.Booking
	in := vc.Input
	if b == nil {
		return fail(span, domain.NewValidationError("bind_match", "goods %s has no bound booking", in.GoodsID))
	}
	if b.BuyerID != in.BuyerID || b.GoodsID != in.GoodsID {
		return fail(span, domain.NewValidationError("bind_match", "booking %s is bound to %s/%s", b.ID, b.BuyerID, b.GoodsID))
	}
	if in.ItemCount > b.Quantity {
		return fail(span, domain.NewValidationError("bind_match", "item count %d exceeds booked %d", in.ItemCount, b.Quantity))
	}
	return v.executeNext(vc)
}

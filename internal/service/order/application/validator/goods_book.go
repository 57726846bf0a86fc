package validator

import (
	"errors"
	"fmt"

	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// GoodsBookValidator 需要预约的商品必须有未过期的预约
type GoodsBookValidator struct {
	NextHandler
	books port.GoodsBookService
}

func NewGoodsBookValidator(books port.GoodsBookService) *GoodsBookValidator {
	return &GoodsBookValidator{books: books}
}

func (v *GoodsBookValidator) Handle(vc *Context) error {
	ctx, span := startSpan(vc, "goods_book")
	defer span.End()

	// 商品信息由 GoodsValidator 提供，没有它就无法判断是否需要预约
	if vc.Goods == nil {
		return fail(span, errors.New("goods_book validator must run after goods validator"))
	}
	if !vc.Goods.RequiresBooking {
		return v.executeNext(vc)
	}

	in := vc.Input
	booking, err := v.books.GetBooking(ctx, in.BuyerID, in.GoodsID)
	if errors.Is(err, port.ErrNotFound) {
		return fail(span, domain.NewValidationError("goods_book", "no booking for goods %s", in.GoodsID))
	}
	if err != nil {
		return fail(span, fmt.Errorf("query booking: %w", err))
	}
	if booking.Expired(vc.Now) {
		return fail(span, domain.NewValidationError("goods_book", "booking %s expired at %s", booking.ID, booking.ExpiresAt.Format("2006-01-02 15:04:05")))
	}
	vc.Booking = booking
	return v.executeNext(vc)
}

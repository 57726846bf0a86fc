package validator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/service/order/domain/port"
)

// Input 下单请求中需要校验的部分
type Input struct {
	BuyerID    string
	GoodsID    string
	GoodsType  string
	ItemCount  int
	Identifier string
	// ExpectedPrice 客户端看到的单价，为空时不校验
	ExpectedPrice *decimal.Decimal
}

// Context 在校验链中传递，前面的校验器查到的数据留给后面的校验器使用
type Context struct {
	Ctx    context.Context
	Tracer trace.Tracer
	Input  *Input
	Now    time.Time

	User    *port.User
	Goods   *port.Goods
	Booking *port.Booking
}

// Handler 校验链中的一环
type Handler interface {
	SetNext(handler Handler) Handler
	Handle(vc *Context) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(vc *Context) error {
	if h.next != nil {
		return h.next.Handle(vc)
	}
	return nil
}

// startSpan 每个校验器一个 span
func startSpan(vc *Context, name string) (context.Context, trace.Span) {
	return vc.Tracer.Start(vc.Ctx, "validator."+name)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

package validator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/config"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

const (
	User      = "user"
	Goods     = "goods"
	GoodsBook = "goods_book"
	BindMatch = "bind_match"
	Rule      = "rule"

	// DefaultChain 没有为商品类型单独配置时使用
	DefaultChain = "DEFAULT"
)

// ErrInvalidChain 配置的校验链不符合固定顺序
var ErrInvalidChain = errors.New("invalid validator chain")

// baseChain 每条链都以它开头，商品类型特有的校验只能追加在后面
var baseChain = []string{User, Goods, GoodsBook}

// extensions 可以追加在 baseChain 之后的校验器
var extensions = map[string]bool{BindMatch: true, Rule: true}

func checkOrder(names []string) error {
	if len(names) < len(baseChain) {
		return fmt.Errorf("%w: %v must start with %v", ErrInvalidChain, names, baseChain)
	}
	for i, name := range baseChain {
		if names[i] != name {
			return fmt.Errorf("%w: %v must start with %v", ErrInvalidChain, names, baseChain)
		}
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names[len(baseChain):] {
		if !extensions[name] {
			return fmt.Errorf("%w: %q cannot follow the base chain", ErrInvalidChain, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate validator %q", ErrInvalidChain, name)
		}
		seen[name] = true
	}
	return nil
}

// Factory 持有校验器依赖的下游端口
type Factory struct {
	Users  port.UserService
	Goods  port.GoodsService
	Books  port.GoodsBookService
	Tracer trace.Tracer
}

// Build 按名称顺序组装一条链，名称必须以 user、goods、goods_book 开头。
// SetNext 会修改实例，所以每条链都用新的校验器。
func (f *Factory) Build(names []string, rule string) (Handler, error) {
	if err := checkOrder(names); err != nil {
		return nil, err
	}
	var head, tail Handler
	for _, name := range names {
		h, err := f.create(name, rule)
		if err != nil {
			return nil, err
		}
		if head == nil {
			head, tail = h, h
			continue
		}
		tail = tail.SetNext(h)
	}
	return head, nil
}

func (f *Factory) create(name, rule string) (Handler, error) {
	switch name {
	case User:
		return NewUserValidator(f.Users), nil
	case Goods:
		return NewGoodsValidator(f.Goods), nil
	case GoodsBook:
		return NewGoodsBookValidator(f.Books), nil
	case BindMatch:
		return NewBindMatchValidator(), nil
	case Rule:
		if rule == "" {
			return nil, fmt.Errorf("rule validator configured without expression")
		}
		return NewRuleValidator(rule)
	default:
		return nil, fmt.Errorf("unknown validator %q", name)
	}
}

// Chains 按商品类型索引的校验链，可以整体热替换
type Chains struct {
	factory *Factory
	tracer  trace.Tracer
	chains  atomic.Pointer[map[string]Handler]
	now     func() time.Time
}

// NewChains 在启动时组装全部校验链
func NewChains(factory *Factory, cfg config.ValidatorConfig) (*Chains, error) {
	c := &Chains{factory: factory, tracer: factory.Tracer, now: time.Now}
	if err := c.Reload(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload 用新配置重新组装，失败时保留旧的链
func (c *Chains) Reload(cfg config.ValidatorConfig) error {
	built := make(map[string]Handler, len(cfg.Chains))
	for goodsType, names := range cfg.Chains {
		h, err := c.factory.Build(names, cfg.Rules[goodsType])
		if err != nil {
			return fmt.Errorf("build chain for %s: %w", goodsType, err)
		}
		built[goodsType] = h
	}
	c.chains.Store(&built)
	return nil
}

// Validate 执行商品类型对应的校验链，遇到第一个失败立即返回
func (c *Chains) Validate(ctx context.Context, in *Input) error {
	chains := *c.chains.Load()
	chain, ok := chains[in.GoodsType]
	if !ok {
		chain, ok = chains[DefaultChain]
	}
	if !ok {
		return domain.NewValidationError("chain", "unsupported goods type %q", in.GoodsType)
	}
	return chain.Handle(&Context{Ctx: ctx, Tracer: c.tracer, Input: in, Now: c.now()})
}

package validator

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"fulfillment/internal/service/order/domain"
)

// RuleValidator 按商品类型配置的 CEL 表达式，例如 "itemCount <= 5"
type RuleValidator struct {
	NextHandler
	expr    string
	program cel.Program
}

var ruleEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("buyerId", cel.StringType),
		cel.Variable("goodsId", cel.StringType),
		cel.Variable("goodsType", cel.StringType),
		cel.Variable("itemCount", cel.IntType),
		cel.Variable("price", cel.DoubleType),
	)
	if err != nil {
		panic(err)
	}
	return env
}()

// NewRuleValidator 编译表达式，语法错误在启动时暴露
func NewRuleValidator(expr string) (*RuleValidator, error) {
	ast, iss := ruleEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile rule %q: %w", expr, iss.Err())
	}
	prg, err := ruleEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build rule %q: %w", expr, err)
	}
	return &RuleValidator{expr: expr, program: prg}, nil
}

func (v *RuleValidator) Handle(vc *Context) error {
	_, span := startSpan(vc, "rule")
	defer span.End()

	in := vc.Input
	price := 0.0
	if vc.Goods != nil {
		price = vc.Goods.Price.InexactFloat64()
	}
	out, _, err := v.program.Eval(map[string]interface{}{
		"buyerId":   in.BuyerID,
		"goodsId":   in.GoodsID,
		"goodsType": in.GoodsType,
		"itemCount": int64(in.ItemCount),
		"price":     price,
	})
	if err != nil {
		return fail(span, fmt.Errorf("evaluate rule %q: %w", v.expr, err))
	}
	passed, ok := out.Value().(bool)
	if !ok {
		return fail(span, fmt.Errorf("rule %q returned %T, want bool", v.expr, out.Value()))
	}
	if !passed {
		return fail(span, domain.NewValidationError("rule", "rule %q not satisfied", v.expr))
	}
	return v.executeNext(vc)
}

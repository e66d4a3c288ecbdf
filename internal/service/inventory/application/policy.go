package application

import (
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"nexus-inventory/internal/service/inventory/domain"
)

// RequestPolicy 用 CEL 表达式对预占请求做准入校验，例如 "quantity <= 1000"。
// 可用变量：sku (string)、quantity (int)、timeoutMinutes (int，未指定时为默认值)。
type RequestPolicy struct {
	expr    string
	program cel.Program
}

// NewRequestPolicy 编译表达式。空表达式表示全部放行。
func NewRequestPolicy(expr string) (*RequestPolicy, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &RequestPolicy{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("sku", cel.StringType),
		cel.Variable("quantity", cel.IntType),
		cel.Variable("timeoutMinutes", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build policy environment")
	}

	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "invalid reserve policy %q", expr)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.Errorf("reserve policy %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to plan reserve policy %q", expr)
	}
	return &RequestPolicy{expr: expr, program: prg}, nil
}

// Evaluate 返回 nil 表示放行；拒绝时返回包装了 ErrInvalidRequest 的错误。
func (p *RequestPolicy) Evaluate(sku string, quantity, timeoutMinutes int) error {
	if p == nil || p.program == nil {
		return nil
	}

	out, _, err := p.program.Eval(map[string]any{
		"sku":            sku,
		"quantity":       int64(quantity),
		"timeoutMinutes": int64(timeoutMinutes),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to evaluate reserve policy %q", p.expr)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return errors.Errorf("reserve policy %q returned %T", p.expr, out.Value())
	}
	if !allowed {
		return errors.Wrapf(domain.ErrInvalidRequest, "request rejected by policy %q", p.expr)
	}
	return nil
}

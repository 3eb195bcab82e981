package lawbook

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/warden/types"
)

// RulesPackage is the Rego package extension rules must declare
const RulesPackage = "data.warden.guardrails"

// RulesQuery collects deny messages from the extension rules
const RulesQuery = RulesPackage + ".deny"

// Rules is a compiled lawbook extension module
type Rules struct {
	query  rego.PreparedEvalQuery
	tracer trace.Tracer
}

func checkRulesPackage(src string) error {
	module, err := ast.ParseModule("lawbook.rego", src)
	if err != nil {
		return types.Invalid("rules.rego", "%v", err)
	}
	if module == nil || module.Package == nil {
		return types.Invalid("rules.rego", "missing package declaration")
	}
	if got := module.Package.Path.String(); got != RulesPackage {
		return types.Invalid("rules.rego", "package must be %s (got %s)", RulesPackage, got)
	}
	return nil
}

// CompileRules prepares src for evaluation. An empty source yields nil rules.
func CompileRules(ctx context.Context, src string) (*Rules, error) {
	if src == "" {
		return nil, nil
	}
	if err := checkRulesPackage(src); err != nil {
		return nil, err
	}

	tracer := otel.Tracer("lawbook-rules")
	ctx, span := tracer.Start(ctx, "lawbook.compile_rules")
	defer span.End()

	query := rego.New(
		rego.Query(RulesQuery),
		rego.Module("lawbook.rego", src),
	)
	prepared, err := query.PrepareForEval(ctx)
	if err != nil {
		return nil, types.Invalid("rules.rego", "compile: %v", err)
	}
	return &Rules{query: prepared, tracer: tracer}, nil
}

// Deny evaluates the module against input and returns its sorted deny messages
func (r *Rules) Deny(ctx context.Context, input any) ([]string, error) {
	if r == nil {
		return nil, nil
	}

	ctx, span := r.tracer.Start(ctx, "lawbook.eval_rules")
	defer span.End()

	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluate rules: %w", err)
	}

	var messages []string
	for _, res := range results {
		for _, expr := range res.Expressions {
			messages = append(messages, denyMessages(expr.Value)...)
		}
	}
	sort.Strings(messages)
	span.SetAttributes(attribute.Int("rules.deny_count", len(messages)))
	return messages, nil
}

// denyMessages flattens a deny set; OPA returns sets as []interface{}
func denyMessages(value interface{}) []string {
	switch v := value.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return []string{v}
	case bool:
		if v {
			return []string{"denied by extension rules"}
		}
		return nil
	case nil:
		return nil
	default:
		return []string{fmt.Sprint(v)}
	}
}

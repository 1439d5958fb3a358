package rfq

import (
	"github.com/dop251/goja"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// Evaluate computes a per-second price for requirements against model, per
// spec §4.7: Σ_k ceil(r_k / basis_k) · rate_k, negative rates clamped to 0.
//
// [NEW] SPEC_FULL §4.7b: when model.InvocationBased is set, the price is a
// flat per-invocation rate instead, bypassing the per-resource formula
// entirely (a FaaS-style blueprint's "request" IS the billable unit).
func Evaluate(model PricingModel, requirements []ResourceRequirement) (uint64, error) {
	if model.InvocationBased {
		return model.FlatPricePerCall, nil
	}
	if model.Formula != "" {
		return evaluateFormula(model.Formula, requirements)
	}

	basisByKind := make(map[string]PricedResource, len(model.Resources))
	for _, r := range model.Resources {
		basisByKind[r.Kind] = r
	}

	var total uint64
	for _, req := range requirements {
		priced, ok := basisByKind[req.Kind]
		if !ok {
			continue
		}
		rate := priced.PricePerUnitRate
		if rate < 0 {
			rate = 0
		}
		basis := priced.PricingBasisCount
		if basis == 0 {
			basis = 1
		}
		units := ceilDiv(req.Count, basis)
		total += units * uint64(rate)
	}
	return total, nil
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// evaluateFormula runs an operator-authored JS pricing formula via goja, a
// "compute rate from requirements" escape hatch beyond the static table.
// The script must assign a numeric value to the global `rate`.
func evaluateFormula(formula string, requirements []ResourceRequirement) (uint64, error) {
	vm := goja.New()

	reqValues := make(map[string]uint64, len(requirements))
	for _, r := range requirements {
		reqValues[r.Kind] = r.Count
	}
	if err := vm.Set("requirements", reqValues); err != nil {
		return 0, apperrors.Wrap(apperrors.KindOther, "failed to bind pricing formula inputs", err)
	}

	v, err := vm.RunString(formula + "\nrate")
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindOther, "pricing formula evaluation failed", err)
	}
	rate := v.ToFloat()
	if rate < 0 {
		rate = 0
	}
	return uint64(rate), nil
}

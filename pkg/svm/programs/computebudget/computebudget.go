// Package computebudget provides the compute budget program builtin.
//
// Compute budget instructions are decoded and applied before execution by
// svm.ProcessComputeBudgetInstructions. Invoking the program itself only
// charges its fixed cost.
package computebudget

import (
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/invoke"
)

// Builtin returns the compute budget program builtin.
func Builtin() *invoke.Builtin {
	return invoke.NewBuiltin("compute_budget_program", svm.CUComputeBudgetDefault, func(*invoke.InvokeContext) error {
		return nil
	})
}

package simulation

import (
	"math"

	"github.com/venturelab/simcore/pkg/models"
)

// CorrectContinuity reconciles an AI result with the authoritative opening
// state. The model independently estimates cashBefore, but the ledger — not
// the model — is authoritative for the prior balance. When the model's
// opening balance drifts beyond tolerance, the drift delta is folded into
// netProfit and cashAfter is recomputed from the corrected pair, which
// preserves the model's economic reasoning while pinning the entry to the
// ledger chain.
//
// The opening inventory is always replaced with the authoritative snapshot;
// the model's closing inventory is kept.
func CorrectContinuity(result models.SimulationResult, expectedCashBefore float64, expectedInventory models.InventoryState) models.SimulationResult {
	delta := expectedCashBefore - result.CashBefore
	if math.Abs(delta) > models.ContinuityTolerance {
		result.CashBefore = expectedCashBefore
		result.NetProfit += delta
		result.CashAfter = result.CashBefore + result.NetProfit
	}
	result.InventoryBefore = expectedInventory
	return result
}

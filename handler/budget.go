package handler

import (
	"encoding/json"
	"net/http"

	"github.com/xproxy-gateway/xproxy/billing"
)

// BudgetHandler implements the §6 GET /budget/blocked endpoint.
type BudgetHandler struct {
	checker *billing.BudgetChecker
}

// NewBudgetHandler wires the budget-checker read path.
func NewBudgetHandler(checker *billing.BudgetChecker) *BudgetHandler {
	return &BudgetHandler{checker: checker}
}

// Blocked handles GET /budget/blocked.
func (h *BudgetHandler) Blocked(w http.ResponseWriter, r *http.Request) {
	ids := h.checker.Blocked()
	blocked := make([]string, 0, len(ids))
	for _, id := range ids {
		blocked = append(blocked, id.String())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"blocked": blocked})
}

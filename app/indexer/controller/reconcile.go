package controller

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/mirror-protocol/mirrorx/app/indexer/types"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/reconcile"
	"go.uber.org/zap"
)

// HandleReconcile starts a reconciliation pass. An empty body selects every step.
// Inline passes answer 200 with their report, workflow starts answer 202.
func (c *Controller) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	var steps reconcile.Steps
	switch err := json.NewDecoder(r.Body).Decode(&steps); {
	case errors.Is(err, io.EOF):
		steps = reconcile.AllSteps()
	case err != nil:
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad json"})
		return
	}
	if !steps.Any() {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "no steps selected"})
		return
	}

	trigger, err := c.App.TriggerReconcile(r.Context(), steps)
	switch {
	case errors.Is(err, types.ErrReconcileUnavailable):
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	case err != nil:
		c.App.Logger.Error("Reconcile trigger failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	if trigger.Report == nil {
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(trigger)
}

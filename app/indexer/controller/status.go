package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/driver"
	"github.com/mirror-protocol/mirrorx/pkg/temporal"
	"go.uber.org/zap"
)

type statusResponse struct {
	Checkpoint uint64 `json:"checkpoint"`
	// Head is zero when the chain did not answer.
	Head      uint64         `json:"head"`
	Lag       uint64         `json:"lag"`
	LastBatch *driver.Result `json:"last_batch"`
	Contracts int            `json:"contracts"`

	Temporal *temporal.Health `json:"temporal,omitempty"`
	// Redis is "ok", the ping error, or empty when notifications are off.
	Redis string `json:"redis,omitempty"`
}

// HandleStatus reports ingestion progress.
func (c *Controller) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkpoint, err := c.App.Store.Checkpoint(ctx)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	out := statusResponse{Checkpoint: checkpoint}
	if c.App.Driver != nil {
		out.LastBatch = c.App.Driver.Last()
	}
	if c.App.Registry != nil {
		out.Contracts = c.App.Registry.Size()
	}

	headCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if head, err := c.App.Chain.LatestHeight(headCtx); err != nil {
		c.App.Logger.Warn("Chain head unavailable", zap.Error(err))
	} else {
		out.Head = head
		if head > checkpoint {
			out.Lag = head - checkpoint
		}
	}
	if tc := c.App.TemporalClient; tc != nil {
		h, err := tc.Health(ctx)
		if err != nil {
			c.App.Logger.Warn("Temporal health check failed", zap.Error(err))
		}
		out.Temporal = &h
	}
	if rc := c.App.RedisClient; rc != nil {
		out.Redis = "ok"
		if err := rc.Health(headCtx); err != nil {
			out.Redis = err.Error()
		}
	}
	_ = json.NewEncoder(w).Encode(out)
}

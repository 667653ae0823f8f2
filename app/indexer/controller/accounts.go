package controller

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/balance"
	"go.uber.org/zap"
)

const uusd = "uusd"

// HandleRegisterAccount marks an address as an app user and aligns its uusd ledger with the
// bank balance on chain.
func (c *Controller) HandleRegisterAccount(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad json"})
		return
	}
	in.Address = strings.TrimSpace(in.Address)
	if !strings.HasPrefix(in.Address, "terra1") {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "address must be a terra1 account"})
		return
	}

	ctx := r.Context()
	chainBalance, err := c.App.Chain.NativeBalance(ctx, in.Address, uusd)
	if err != nil {
		c.App.Logger.Warn("Bank balance query failed", zap.String("address", in.Address), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	reg, err := balance.Register(ctx, c.App.Store, in.Address, chainBalance, time.Now().UTC())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	c.App.Logger.Info("Account registered",
		zap.String("address", in.Address),
		zap.String("adjustment", reg.Adjustment.String()),
	)
	_ = json.NewEncoder(w).Encode(reg)
}

package indexer

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mirror-protocol/mirrorx/app/indexer/controller"
	"github.com/mirror-protocol/mirrorx/app/indexer/types"
	"github.com/mirror-protocol/mirrorx/pkg/utils"
)

// NewServer attaches the admin HTTP server to app.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3002")

	app.Server = &http.Server{
		Addr:              addr,
		Handler:           controller.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}

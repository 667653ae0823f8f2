package controller

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mirror-protocol/mirrorx/app/indexer/types"
	"github.com/mirror-protocol/mirrorx/pkg/utils"
)

const sessionCookie = "mx_session"

type Controller struct {
	App        *types.App
	AdminToken string
	AuthUser   string
	AuthHash   []byte
	JWTSecret  []byte
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	adminPass := utils.Env("ADMIN_PASSWORD", "admin")
	phash, err := utils.HashOrRead(adminPass)
	if err != nil {
		app.Logger.Fatal("Unable to hash admin password")
	}

	return &Controller{
		App:        app,
		AdminToken: utils.Env("ADMIN_TOKEN", "devtoken"),
		AuthUser:   utils.Env("ADMIN_USER", "admin"),
		AuthHash:   phash,
		JWTSecret:  []byte(utils.Env("SESSION_SECRET", "change-me-please")),
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this package.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", c.HandleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", c.HandleReadyz).Methods(http.MethodGet)
	if c.App.Metrics != nil {
		r.Handle("/metrics", c.App.Metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/api/auth/login", c.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", c.HandleLogout).Methods(http.MethodPost)

	r.Handle("/api/status", c.RequireAuth(http.HandlerFunc(c.HandleStatus))).Methods(http.MethodGet)
	r.Handle("/api/accounts", c.RequireAuth(http.HandlerFunc(c.HandleRegisterAccount))).Methods(http.MethodPost)
	r.Handle("/api/reconcile", c.RequireAuth(http.HandlerFunc(c.HandleReconcile))).Methods(http.MethodPost)

	return r, nil
}

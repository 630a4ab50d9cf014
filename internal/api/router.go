package api

import (
	"log/slog"
	"net/http"

	"github.com/example/es-engine/internal/api/middleware"
)

func NewRouter(handlers *Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	user := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireUser(middleware.Idempotency(h))
	}

	// Cart
	mux.Handle("GET /cart", user(handlers.GetCart))
	mux.Handle("POST /cart", user(handlers.OpenCart))
	mux.Handle("DELETE /cart", user(handlers.DeleteCart))
	mux.Handle("POST /cart/restore", user(handlers.RestoreCart))
	mux.Handle("POST /cart/clear", user(handlers.ClearCart))
	mux.Handle("PUT /cart/note", user(handlers.SetNote))
	mux.Handle("POST /cart/items", user(handlers.AddToCart))
	mux.Handle("DELETE /cart/items/{productID}", user(handlers.RemoveFromCart))

	// History
	mux.Handle("GET /cart/history", user(handlers.GetHistory))
	mux.Handle("GET /cart/versions/{version}", user(handlers.GetCartAt))
	mux.Handle("GET /cart/summary", user(handlers.GetCartSummary))

	// Admin
	mux.HandleFunc("GET /carts", handlers.ListCarts)
	mux.HandleFunc("GET /streams", handlers.ListStreams)

	return middleware.RequestID(middleware.Logging(logger)(mux))
}

// Package middleware provides HTTP middleware for the companion API.
package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS returns middleware that handles CORS headers for the frontend origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	// Credentials are only allowed for explicit origins, never for a wildcard.
	credentials := len(allowedOrigins) > 0
	for _, o := range allowedOrigins {
		if o == "*" {
			credentials = false
			break
		}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Companion-Client", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: credentials,
		MaxAge:           300,
	})
}

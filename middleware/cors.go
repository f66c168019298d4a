package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSMiddleware allows the web application's origins. An empty list allows any origin
// without credentials.
func CORSMiddleware(origins []string, trustedHeader string) gin.HandlerFunc {
	headers := []string{"Authorization", "Content-Type", "Accept", "X-Requested-With", RequestIDHeader}
	if trustedHeader != "" {
		headers = append(headers, trustedHeader)
	}

	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  headers,
		ExposeHeaders: []string{RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

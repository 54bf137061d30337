package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// CORS allows the configured browser origins; "*" allows any. Entries without an
// http(s) scheme are ignored since cors.New rejects them.
func CORS(origins []string) gin.HandlerFunc {
	allowed := lo.Uniq(lo.Filter(lo.Map(origins, func(o string, _ int) string {
		return strings.TrimRight(strings.TrimSpace(o), "/")
	}), func(o string, _ int) bool {
		return o == "*" || strings.HasPrefix(o, "http://") || strings.HasPrefix(o, "https://")
	}))

	cfg := cors.Config{
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", RequestIDHeader},
		ExposeHeaders: []string{RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	switch {
	case lo.Contains(allowed, "*"):
		cfg.AllowAllOrigins = true
	case len(allowed) == 0:
		// no browser origin configured: same-origin and non-browser clients only
		return func(c *gin.Context) { c.Next() }
	default:
		cfg.AllowOrigins = allowed
	}
	return cors.New(cfg)
}

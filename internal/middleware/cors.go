package middleware

import (
	"net/http"
	"strings"

	"planboard/internal/config"

	"github.com/gin-gonic/gin"
)

// CORS 跨域中间件
func CORS(cfg *config.Config) gin.HandlerFunc {
	origins := "*"
	methods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	headers := "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With"
	if cfg != nil {
		cc := cfg.Security.CORS
		if !cc.Enabled {
			return func(c *gin.Context) { c.Next() }
		}
		if len(cc.AllowedOrigins) > 0 {
			origins = strings.Join(cc.AllowedOrigins, ", ")
		}
		if len(cc.AllowedMethods) > 0 {
			methods = strings.Join(cc.AllowedMethods, ", ")
		}
		if len(cc.AllowedHeaders) > 0 {
			headers = strings.Join(cc.AllowedHeaders, ", ")
		}
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origins)
		c.Header("Access-Control-Allow-Headers", headers)
		c.Header("Access-Control-Allow-Methods", methods)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

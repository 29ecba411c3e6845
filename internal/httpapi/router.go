// Package httpapi wires the HTTP surface: the status endpoint, inbound
// authentication, and the catch-all relay handler that drives the Forward
// Engine.
package httpapi

import (
	"io"
	"net/http"
	"strings"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cerebras-proxy/cerebras-proxy/internal/authstore"
	"github.com/cerebras-proxy/cerebras-proxy/internal/classify"
	"github.com/cerebras-proxy/cerebras-proxy/internal/config"
	"github.com/cerebras-proxy/cerebras-proxy/internal/credential"
	"github.com/cerebras-proxy/cerebras-proxy/internal/ctxkey"
	"github.com/cerebras-proxy/cerebras-proxy/internal/forward"
)

// Deps is everything the HTTP layer needs, already constructed by the
// entrypoint.
type Deps struct {
	Config *config.Config
	Pool   *credential.Pool
	Engine *forward.Engine
	Auth   *authstore.Store // nil when inbound auth is disabled
	Logger *zap.Logger
}

// NewRouter builds the gin engine. gzip compression wraps every response.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/_status", statusHandler(deps.Pool))

	relay := router.Group("/")
	if deps.Config.IncomingAuthEnabled {
		relay.Use(authMiddleware(deps.Auth))
	}
	relay.NoRoute(relayHandler(deps))

	return router
}

// authMiddleware enforces bearer-token authentication on every relayed
// route when ENABLE_INCOMING_AUTH is set.
func authMiddleware(store *authstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortAuthError(c, http.StatusUnauthorized, "Missing Authorization header", "missing_authorization")
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			abortAuthError(c, http.StatusUnauthorized, "Malformed Authorization header", "invalid_authorization")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		id, name, ok := store.Identify(c.Request.Context(), token)
		if !ok {
			abortAuthError(c, http.StatusUnauthorized, "Invalid or revoked API key", "invalid_api_key")
			return
		}
		c.Set(ctxkey.ClientCredentialID, id)
		c.Set(ctxkey.ClientCredentialName, name)
		c.Next()
	}
}

func abortAuthError(c *gin.Context, status int, message, code string) {
	logger := gmw.GetLogger(c)
	logger.Warn("rejecting inbound request", zap.Int("status", status), zap.String("code", code))
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	})
	c.Abort()
}

// relayHandler implements the catch-all forwarding path: read the body,
// reject inbound websocket upgrades (the proxy has no streaming-duplex
// story for any of the three upstreams), and hand off to the Forward
// Engine.
func relayHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			c.String(http.StatusBadRequest, "websocket upgrades are not supported")
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusBadRequest, "failed to read request body")
			return
		}
		c.Set(ctxkey.RequestBody, body)

		path := classify.NormalizePath(c.Request.URL.Path)
		resp := deps.Engine.Serve(c.Request.Context(), c.Request.Method, path, c.Request.Header, body)

		for key, values := range resp.Header {
			for _, v := range values {
				c.Writer.Header().Add(key, v)
			}
		}
		c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
	}
}

func statusHandler(pool *credential.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := pool.Status()
		keys := make([]gin.H, 0, len(status.Keys))
		for _, k := range status.Keys {
			keys = append(keys, gin.H{
				"name":             k.Name,
				"available":        k.Available,
				"rate_limited_for": k.RateLimitedForSeconds,
				"error_count":      k.ErrorCount,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"keys":        keys,
			"current_key": status.CurrentKey,
		})
	}
}

// Package api exposes the escrow engine over HTTP.
//
// Reads are public. Mutations require an HS256 bearer token whose subject is
// the caller's hex address; the engine applies its own role checks on top.
// Protocol errors render as {"error": "<Name>", "message": "..."}.
package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"trade-escrow/internal/engine"
	"trade-escrow/internal/observability"
)

// Options configures the router.
type Options struct {
	// Required
	Engine    *engine.Engine
	JWTSecret []byte

	// Optional
	Issuer   string
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer // /metrics is not mounted when nil
	Feed     http.Handler        // /v1/events/ws is not mounted when nil
}

type server struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewRouter builds the gin engine serving the API.
func NewRouter(opts Options) (*gin.Engine, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("api: engine is required")
	}
	if len(opts.JWTSecret) == 0 {
		return nil, fmt.Errorf("api: jwt secret is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	s := &server{engine: opts.Engine, logger: logger}

	r := gin.New()
	r.Use(RequestID(), Logger(logger, opts.Metrics), Recovery(logger))

	r.GET("/health", s.health)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(observability.Handler(opts.Gatherer)))
	}

	v1 := r.Group("/v1")
	{
		v1.GET("/trades/:id", s.getTrade)
		v1.GET("/trades/:id/resolvable", s.checkResolvable)
		v1.GET("/trades/:id/uri", s.tokenURI)
		v1.GET("/trades/:id/owner", s.ownerOf)
		v1.GET("/owners/:address/balance", s.balanceOf)
		v1.GET("/owners/:address/trades", s.tradesOf)
		v1.GET("/roles/:role/:address", s.hasRole)
		v1.GET("/threshold", s.getThreshold)
		v1.GET("/settings", s.getSettings)
		v1.GET("/interfaces/:id", s.supportsInterface)
		v1.GET("/events", s.listEvents)
		if opts.Feed != nil {
			v1.GET("/events/ws", gin.WrapH(opts.Feed))
		}
	}

	authed := v1.Group("", Authenticate(opts.JWTSecret, opts.Issuer))
	{
		authed.POST("/trades", s.createTrade)
		authed.POST("/trades/resolve", s.resolveTrades)
		authed.POST("/trades/claim", s.claimTrades)
		authed.POST("/admins/:address", roleChange(s.engine.AddAdmin))
		authed.DELETE("/admins/:address", roleChange(s.engine.RemoveAdmin))
		authed.POST("/signers/:address", roleChange(s.engine.AddSigner))
		authed.DELETE("/signers/:address", roleChange(s.engine.RemoveSigner))
		authed.PUT("/threshold", s.updateThreshold)
		authed.POST("/withdrawals", s.withdraw)
		authed.POST("/pause", s.pause)
		authed.POST("/unpause", s.unpause)
	}

	return r, nil
}

func (s *server) health(c *gin.Context) {
	initialized, err := s.engine.Initialized(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "initialized": initialized})
}

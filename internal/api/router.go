package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unionpay/riskgate/internal/handlers"
	"github.com/unionpay/riskgate/internal/telemetry"
)

// NewRouter wires the gate endpoints. gatherer backs /metrics; pass
// prometheus.DefaultGatherer in production.
func NewRouter(gate handlers.GateService, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "risk-gate"})
	})

	gateHandler := handlers.NewGateHandler(gate)
	sessionHandler := handlers.NewSessionHandler(gate)

	g := r.Group("/gate")
	g.POST("/evaluate", gateHandler.Evaluate)
	g.GET("/sessions/:actionId", sessionHandler.GetSession)
	g.POST("/sessions/:actionId/attempts", gateHandler.RecordAttempt)

	return r
}

// Package api exposes the attendance engine over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/device"
	"classattend/internal/httpmiddleware"
	"classattend/internal/live"
	"classattend/internal/queue"
)

// HealthFunc reports the health of one dependency.
type HealthFunc func(ctx context.Context) bool

// Deps are the collaborators the router serves.
type Deps struct {
	Service *attendance.Service
	Devices *device.Registry
	Issuer  auth.Issuer
	Queue   queue.Queue
	Hub     *live.Hub
	Limiter *httpmiddleware.SimpleTokenBucket
	Health  map[string]HealthFunc
}

type handler struct {
	svc     *attendance.Service
	devices *device.Registry
	queue   queue.Queue
	health  map[string]HealthFunc
}

// NewRouter builds the gin engine with every route.
func NewRouter(d Deps) *gin.Engine {
	h := &handler{svc: d.Service, devices: d.Devices, queue: d.Queue, health: d.Health}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	limit := func(c *gin.Context) { c.Next() }
	if d.Limiter != nil {
		limit = d.Limiter.GinMiddleware()
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.healthz)

	v1 := r.Group("/v1", limit)
	v1.POST("/devices/register", h.registerDevice)
	v1.POST("/devices/refresh", h.refreshDevice)

	// kiosks are limited per device, so auth runs before the limiter
	kiosk := r.Group("/v1", auth.DeviceAuth(d.Issuer), limit)
	kiosk.POST("/detections", h.postDetection)

	v1.POST("/records/start", h.startRecord)
	v1.POST("/records/:id/stop", h.stopRecord)
	v1.POST("/records/:id/pause", h.pauseRecord)
	v1.POST("/records/:id/resume", h.resumeRecord)
	v1.PUT("/students/:id/status", h.setStatus)

	v1.GET("/subjects", h.listSubjects)
	v1.POST("/subjects/deactivate", h.deactivateSubjects)
	v1.POST("/subjects/:id/activate", h.activateSubject)
	v1.POST("/subjects/:id/auto-adjust", h.autoAdjust)

	v1.GET("/roster", h.roster)
	v1.GET("/standby", h.listStandby)
	v1.DELETE("/standby/:id", h.removeStandby)

	if d.Hub != nil {
		v1.GET("/live", gin.WrapF(d.Hub.ServeWS))
	}
	return r
}

func (h *handler) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, fn := range h.health {
		ok := fn(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

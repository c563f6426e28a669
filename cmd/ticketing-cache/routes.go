package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kengibson1111/go-ticketing-cache/cache"
	"github.com/kengibson1111/go-ticketing-cache/internal"
)

// event is the payload served on the demo route
type event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Venue     string    `json:"venue"`
	LoadedAt  time.Time `json:"loadedAt"`
	Available int       `json:"available"`
}

// eventTTL bounds how long a loaded event is served from the cache
const eventTTL = 5 * time.Minute

type handler struct {
	store     *cache.KeyValueStore
	sessions  *cache.SessionStore
	loadEvent func(ctx context.Context, id string) (interface{}, error)
}

func newRouter(store *cache.KeyValueStore, sessions *cache.SessionStore, limiter *cache.RateLimiter, server internal.ServerSettings) (*gin.Engine, error) {
	h := &handler{
		store:     store,
		sessions:  sessions,
		loadEvent: func(_ context.Context, id string) (interface{}, error) {
			return event{ID: id, Name: "Event " + id, Venue: "Main Hall", LoadedAt: time.Now().UTC(), Available: 500}, nil
		},
	}

	r := gin.New()
	// Forwarded headers are only honored from listed proxies
	if err := r.SetTrustedProxies(server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(store.Metrics().Handler()))
	r.GET("/metrics/cache", h.cacheMetrics)

	api := r.Group("/api", limiter.GinMiddleware(cache.RateLimitOptions{
		Limit:  server.RateLimit,
		Window: server.RateLimitWindow,
		Scope:  "api",
	}))
	api.GET("/events/:id", h.getEvent)
	api.POST("/sessions", h.createSession)
	api.GET("/sessions/:id", h.validateSession)
	api.DELETE("/sessions/:id", h.destroySession)
	api.DELETE("/users/:userId/sessions", h.destroyUserSessions)

	return r, nil
}

// health answers 503 only when the service cannot serve at all; fallback
// mode still serves
func (h *handler) health(c *gin.Context) {
	status := h.store.Health(c.Request.Context())
	code := http.StatusOK
	if status.Status == cache.StatusDisconnected {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *handler) cacheMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Metrics().GetMetrics())
}

func (h *handler) getEvent(c *gin.Context) {
	id := c.Param("id")
	var ev event
	err := h.store.GetOrLoad(c.Request.Context(), "event:"+id, &ev, eventTTL, func(ctx context.Context) (interface{}, error) {
		return h.loadEvent(ctx, id)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *handler) createSession(c *gin.Context) {
	var data cache.SessionData
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if data.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	if data.IPAddress == "" {
		data.IPAddress = c.ClientIP()
	}
	if data.UserAgent == "" {
		data.UserAgent = c.Request.UserAgent()
	}

	id := h.sessions.CreateSession(c.Request.Context(), data, 0)
	if id == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session could not be created"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": id})
}

func (h *handler) validateSession(c *gin.Context) {
	session := h.sessions.ValidateSession(c.Request.Context(), c.Param("id"))
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *handler) destroySession(c *gin.Context) {
	if !h.sessions.Destroy(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) destroyUserSessions(c *gin.Context) {
	n := h.sessions.DestroyByUserID(c.Request.Context(), c.Param("userId"))
	c.JSON(http.StatusOK, gin.H{"destroyed": n})
}

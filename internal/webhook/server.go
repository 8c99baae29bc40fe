// Package webhook exposes the token reply and notification trigger over HTTP
// for integrations that cannot use a chat bridge (email gateways, CI, scripts).
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/monitor"
	"github.com/zulandar/signalbox/internal/orchestration"
	"github.com/zulandar/signalbox/internal/registry"
	"github.com/zulandar/signalbox/internal/relay"
	"github.com/zulandar/signalbox/internal/telegraph"
)

// DefaultPort is used when ServerOpts.Port is zero.
const DefaultPort = 8787

// SecretHeader is accepted as an alternative to a bearer Authorization header.
const SecretHeader = "X-Signalbox-Secret"

const shutdownTimeout = 5 * time.Second

// Notifier is the subset of *telegraph.Notifier used by POST /notify.
type Notifier interface {
	Notify(ctx context.Context, req telegraph.Request) (telegraph.Result, error)
}

// ServerOpts holds configuration for the webhook server.
type ServerOpts struct {
	Registry *registry.Registry
	Injector telegraph.Injector
	Notifier Notifier           // optional; POST /notify returns 503 without it
	Tmux     orchestration.Tmux // optional; used by /health
	Target   string             // default session for /notify and /health
	Secret   string
	Port     int
	Retry    relay.RetryPolicy
	Out      io.Writer // defaults to os.Stdout
}

// Server is the inbound HTTP surface.
type Server struct {
	registry  *registry.Registry
	injector  telegraph.Injector
	notifier  Notifier
	tmux      orchestration.Tmux
	target    string
	secret    string
	port      int
	retry     relay.RetryPolicy
	out       io.Writer
	startedAt time.Time
	router    *gin.Engine

	subsMu sync.Mutex
	subs   map[chan eventView]struct{}
}

// NewServer validates opts and builds the route table.
func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("webhook: registry is required")
	}
	if opts.Injector == nil {
		return nil, fmt.Errorf("webhook: injector is required")
	}
	if opts.Secret == "" {
		return nil, fmt.Errorf("webhook: secret is required")
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}
	if opts.Target == "" {
		opts.Target = orchestration.DefaultSession
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	s := &Server{
		registry:  opts.Registry,
		injector:  opts.Injector,
		notifier:  opts.Notifier,
		tmux:      opts.Tmux,
		target:    opts.Target,
		secret:    opts.Secret,
		port:      opts.Port,
		retry:     opts.Retry,
		out:       opts.Out,
		startedAt: time.Now(),
		subs:      make(map[chan eventView]struct{}),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	s.router = router
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("webhook: shutdown: %v", err)
		}
	}()

	fmt.Fprintf(s.out, "Webhook listening on :%d\n", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook: %w", err)
	}
	fmt.Fprintf(s.out, "Webhook stopped\n")
	return nil
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)

	auth := router.Group("/", s.requireSecret)
	auth.GET("/sessions", s.handleSessions)
	auth.POST("/webhook/command", s.handleCommand)
	auth.POST("/notify", s.handleNotify)
	auth.GET("/events", s.handleEvents)
}

// requireSecret accepts "Authorization: Bearer <secret>" or the SecretHeader.
func (s *Server) requireSecret(c *gin.Context) {
	got := c.GetHeader(SecretHeader)
	if got == "" {
		got = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
		"target": s.target,
	}
	if s.tmux != nil {
		resp["target_running"] = s.tmux.SessionExists(c.Request.Context(), s.target)
	}
	c.JSON(http.StatusOK, resp)
}

type sessionView struct {
	Token         string    `json:"token"`
	TargetSession string    `json:"target_session"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Expired       bool      `json:"expired"`
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions, err := s.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView{
			Token:         sess.Token,
			TargetSession: sess.TargetSession,
			Status:        sess.Status,
			CreatedAt:     sess.CreatedAt,
			ExpiresAt:     sess.ExpiresAt,
			Expired:       s.registry.IsExpired(sess),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

type commandRequest struct {
	Token   string `json:"token" binding:"required"`
	Command string `json:"command" binding:"required"`
}

func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token and command are required"})
		return
	}
	ctx := c.Request.Context()

	sess, err := s.registry.Resolve(ctx, req.Token)
	switch {
	case errors.Is(err, registry.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "token expired"})
		return
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid token"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := s.injector.InjectWithRetry(ctx, req.Command, sess.TargetSession, s.retry); err != nil {
		log.Printf("webhook: relay to %s: %v", sess.TargetSession, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "session": sess.TargetSession})
		return
	}
	fmt.Fprintf(s.out, "Webhook: relayed command to %s\n", sess.TargetSession)
	c.JSON(http.StatusOK, gin.H{"status": "sent", "session": sess.TargetSession})
}

type notifyRequest struct {
	Type     string `json:"type" binding:"required"`
	Session  string `json:"session"`
	Question string `json:"question"`
	Response string `json:"response"`
}

func (s *Server) handleNotify(c *gin.Context) {
	if s.notifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifications are not configured"})
		return
	}
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	if req.Session == "" {
		req.Session = s.target
	}

	res, err := s.notifier.Notify(c.Request.Context(), telegraph.Request{
		Type:    req.Type,
		Session: req.Session,
		Turn:    monitor.Turn{UserQuestion: req.Question, AssistantResponse: req.Response},
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     res.Token,
		"dropped":   res.Report.Dropped,
		"succeeded": res.Report.Succeeded,
		"total":     res.Report.Total,
	})
}

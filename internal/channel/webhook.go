package channel

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// UpdateHandler receives one decoded update. It runs on the request
// goroutine and should not block for long.
type UpdateHandler func(update tgbotapi.Update)

// WebhookServer accepts Telegram updates over HTTP.
type WebhookServer struct {
	router *gin.Engine
	srv    *http.Server
	secret string
	handle UpdateHandler
	log    *zap.Logger
}

func NewWebhookServer(addr, secret string, handle UpdateHandler, logger *zap.Logger) *WebhookServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &WebhookServer{
		router: router,
		secret: secret,
		handle: handle,
		log:    logger.Named("webhook"),
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *WebhookServer) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	s.router.POST(webhookPath, s.requireSecret(), s.receive)
}

// requireSecret rejects requests whose secret header does not match. With no
// secret configured every update is rejected.
func (s *WebhookServer) requireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(secretHeader)
		if s.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			s.log.Warn("rejected webhook request", zap.String("remote", c.ClientIP()))
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func (s *WebhookServer) receive(c *gin.Context) {
	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		s.log.Warn("bad update payload", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}
	s.handle(update)
	c.Status(http.StatusOK)
}

func (s *WebhookServer) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown.
func (s *WebhookServer) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

func (s *WebhookServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

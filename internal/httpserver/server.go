// Package httpserver exposes the workflow tools over HTTP. Tool calls
// arrive as JSON bodies on POST /sse and POST /mcp and are answered as
// Server-Sent Events or NDJSON; health probes and a service descriptor
// round out the surface. One Server handles all connections in parallel
// against a single stateless dispatcher.
package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/untoldecay/ChangeFlow/internal/change"
	"github.com/untoldecay/ChangeFlow/internal/config"
	"github.com/untoldecay/ChangeFlow/internal/rpc"
	"github.com/untoldecay/ChangeFlow/internal/types"
)

// DefaultKeepalive is the interval between SSE keepalive comments.
const DefaultKeepalive = 25 * time.Second

// Server is the HTTP transport. It owns an echo instance configured with
// the middleware stack and serves until Shutdown.
type Server struct {
	echo *echo.Echo
	cfg  config.ServerConfig
	disp *rpc.Dispatcher
	repo *change.Repository

	version   string
	startedAt time.Time
	keepalive time.Duration
	logger    *slog.Logger

	// callTool executes one tool; tests substitute it.
	callTool func(name, requestID string, args json.RawMessage) (any, error)
}

// New assembles the transport around a repository and its dispatcher.
// The dispatcher should be constructed with Transport "http" and without
// RequireInit, since HTTP clients do not run an initialize handshake.
func New(repo *change.Repository, disp *rpc.Dispatcher, cfg config.ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		disp:      disp,
		repo:      repo,
		version:   version,
		startedAt: time.Now(),
		keepalive: DefaultKeepalive,
		logger:    logger,
	}
	s.callTool = disp.CallTool

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.LogAttrs(c.Request().Context(), slog.LevelInfo, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			)
			return nil
		},
	}))
	e.Use(middleware.BodyLimit("1M"))

	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
			},
		}))
	}

	if cfg.SecurityHeaders {
		e.Use(s.securityHeaders)
	}
	e.Use(s.bearerAuth)
	if cfg.RateLimit > 0 {
		e.Use(s.rateLimiter())
	}

	e.GET("/", s.handleDescriptor)
	e.GET("/healthz", s.handleHealthz)
	e.GET("/readyz", s.handleReadyz)
	e.POST("/sse", s.handleSSE)
	e.POST("/mcp", s.handleNDJSON)

	s.echo = e
	return s
}

// Handler returns the server as an http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on the configured address and serves until Shutdown or a
// listener error. It blocks; the caller runs it in a goroutine.
func (s *Server) Start() error {
	if s.cfg.TLSEnabled() {
		s.logger.Info("http transport listening", "addr", s.cfg.Addr(), "tls", true)
		return s.echo.StartTLS(s.cfg.Addr(), s.cfg.TLSCert, s.cfg.TLSKey)
	}
	// WriteTimeout stays zero: SSE connections outlive any fixed write
	// deadline, and the per-request timeout already bounds tool work.
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http transport listening", "addr", s.cfg.Addr())
	return s.echo.StartServer(srv)
}

// Shutdown drains connections gracefully within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// healthEndpoint reports whether the path is served without auth or
// rate limiting.
func healthEndpoint(c echo.Context) bool {
	p := c.Path()
	return p == "/healthz" || p == "/readyz"
}

// bearerAuth enforces the configured tokens on every non-health endpoint.
// With no tokens configured the transport runs open; readyz surfaces that
// as a degraded security check.
func (s *Server) bearerAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if healthEndpoint(c) || len(s.cfg.AuthTokens) == 0 {
			return next(c)
		}

		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return s.writeError(c, types.NewError(types.CodeAuthFailed, "missing bearer token").
				WithHint("send Authorization: Bearer <token>"))
		}
		for _, accepted := range s.cfg.AuthTokens {
			if subtle.ConstantTimeCompare([]byte(token), []byte(accepted)) == 1 {
				return next(c)
			}
		}
		return s.writeError(c, types.NewError(types.CodeAuthFailed, "bearer token not accepted"))
	}
}

// rateLimiter applies the per-client limit: a token bucket refilled at
// the configured requests-per-window rate with the burst as its cap.
// Clients are keyed by bearer token when present, else by remote IP.
func (s *Server) rateLimiter() echo.MiddlewareFunc {
	window := s.cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	perSecond := rate.Limit(float64(s.cfg.RateLimit) / window.Seconds())
	burst := s.cfg.RateLimitBurst
	if burst <= 0 {
		burst = s.cfg.RateLimit
	}
	retryAfter := int(window.Seconds())

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: healthEndpoint,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      perSecond,
			Burst:     burst,
			ExpiresIn: window,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
				return token, nil
			}
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			c.Response().Header().Set("X-RateLimit-Retry-After", fmt.Sprintf("%d", retryAfter))
			return s.writeError(c, types.NewError(types.CodeRateLimited, "rate limit exceeded").
				WithRetryAfter(retryAfter).
				WithHint("retry after the window resets"))
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return s.writeError(c, types.NewError(types.CodeRateLimited, "rate limit identification failed: %v", err))
		},
	})
}

// securityHeaders mirrors the standard hardening set.
func (s *Server) securityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		if s.cfg.TLSEnabled() {
			h.Set("Strict-Transport-Security", "max-age=31536000")
		}
		return next(c)
	}
}

// wireError is the error object inside the HTTP envelope. Codes go
// through the HTTP renaming (EBADSLUG reads INVALID_INPUT on this
// transport, ENOCHANGE reads CHANGE_NOT_FOUND).
type wireError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Hint       string         `json:"hint,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter int            `json:"retryAfter,omitempty"`
}

// errorEnvelope is the body of every HTTP-level failure.
type errorEnvelope struct {
	APIVersion string    `json:"apiVersion"`
	Error      wireError `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"requestId,omitempty"`
}

func (s *Server) envelope(c echo.Context, we *types.WorkflowError) errorEnvelope {
	return errorEnvelope{
		APIVersion: s.repo.APIVersion(),
		Error: wireError{
			Code:       we.Code.HTTPWireCode(),
			Message:    we.Message,
			Hint:       we.Hint,
			Details:    we.Details,
			RetryAfter: we.RetryAfter,
		},
		Timestamp: time.Now().UTC(),
		RequestID: requestID(c),
	}
}

// writeError projects a workflow error onto the HTTP status and envelope.
func (s *Server) writeError(c echo.Context, err error) error {
	we := types.Wrap(err, types.CodeIO)
	return c.JSON(we.Code.HTTPStatus(), s.envelope(c, we))
}

// httpErrorHandler converts routing and middleware failures (404, 405,
// body limit, panics) into the same envelope the handlers use.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	we, ok := types.AsWorkflowError(err)
	if !ok {
		status := http.StatusInternalServerError
		message := "internal error"
		if he, isHTTP := err.(*echo.HTTPError); isHTTP {
			status = he.Code
			if msg, isStr := he.Message.(string); isStr {
				message = msg
			}
		}
		we = types.NewError(codeForStatus(status), "%s", message)
		// Preserve the transport status even where the generic code
		// would map elsewhere.
		env := s.envelope(c, we)
		if jsonErr := c.JSON(status, env); jsonErr != nil {
			s.logger.Error("writing error response", "err", jsonErr)
		}
		return
	}
	if writeErr := s.writeError(c, we); writeErr != nil {
		s.logger.Error("writing error response", "err", writeErr)
	}
}

// codeForStatus picks a taxonomy code for failures that originate in the
// HTTP layer rather than the workflow engine.
func codeForStatus(status int) types.Code {
	switch status {
	case http.StatusNotFound:
		return types.CodeToolNotFound
	case http.StatusMethodNotAllowed, http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return types.CodeInvalidInput
	case http.StatusUnauthorized:
		return types.CodeAuthFailed
	case http.StatusTooManyRequests:
		return types.CodeRateLimited
	case http.StatusRequestTimeout:
		return types.CodeRequestTimeout
	default:
		return types.CodeIO
	}
}

// requestID returns the request id assigned by the middleware.
func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

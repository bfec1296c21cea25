// Package api serves the enrollment, login and attendance HTTP surface.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/attendcam/internal/attendance"
	"github.com/andresmejia3/attendcam/internal/events"
	"github.com/andresmejia3/attendcam/internal/framebus"
	"github.com/andresmejia3/attendcam/internal/identity"
	"github.com/andresmejia3/attendcam/internal/logging"
	"github.com/andresmejia3/attendcam/internal/session"
	"github.com/andresmejia3/attendcam/internal/stream"
	"github.com/andresmejia3/attendcam/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// CookieName holds the session token in browsers.
const CookieName = "session_token"

const userKey = "username"

// Frames is the capture side of the frame bus.
type Frames interface {
	Next(ctx context.Context) (framebus.Frame, error)
	Stats() framebus.Stats
}

// Detector turns a JPEG into face encodings. *worker.Pool satisfies it.
type Detector interface {
	Detect(ctx context.Context, jpeg []byte) ([]types.FaceResult, error)
}

// Deps wires the gateway. Stream, Viewers, Events and Now are optional.
type Deps struct {
	Frames     Frames
	Detector   Detector
	Identities *identity.Store
	Ledger     *attendance.Ledger
	Sessions   *session.Manager
	Events     events.Emitter
	Stream     http.Handler
	Viewers    func() int
	Log        zerolog.Logger

	CaptureTimeout time.Duration
	EncodeTimeout  time.Duration
	SecureCookie   bool
	Now            func() time.Time
}

// Gateway owns the gin engine.
type Gateway struct {
	d      Deps
	log    zerolog.Logger
	engine *gin.Engine
}

// New builds the router.
func New(d Deps) *Gateway {
	if d.Events == nil {
		d.Events = events.Discard{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.CaptureTimeout <= 0 {
		d.CaptureTimeout = 5 * time.Second
	}
	if d.EncodeTimeout <= 0 {
		d.EncodeTimeout = 30 * time.Second
	}
	if d.Viewers == nil {
		d.Viewers = func() int { return 0 }
	}

	g := &Gateway{d: d, log: d.Log.With().Str("component", "api").Logger()}

	r := gin.New()
	r.Use(logging.GinMiddleware(g.log), gin.Recovery())

	r.GET("/", g.index)
	r.GET("/healthz", g.health)
	r.POST("/enroll", g.enroll)
	r.GET("/login", g.login)
	r.GET("/logout", g.logout)
	if d.Stream != nil {
		r.GET(stream.Path, gin.WrapH(d.Stream))
	}

	authed := r.Group("/api")
	authed.Use(g.requireSession())
	{
		authed.GET("/attendance", g.attendance)
		authed.POST("/checkin", g.checkin)
		authed.GET("/me", g.me)
	}

	g.engine = r
	return g
}

// Handler returns the HTTP handler for the API listener.
func (g *Gateway) Handler() http.Handler {
	return g.engine
}

// token reads the session cookie, falling back to a bearer header.
func token(c *gin.Context) string {
	if tok, err := c.Cookie(CookieName); err == nil && tok != "" {
		return tok
	}
	if h := c.GetHeader("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

func (g *Gateway) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		name, err := g.d.Sessions.Resolve(token(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "Not logged in"})
			return
		}
		c.Set(userKey, name)
		c.Next()
	}
}

func (g *Gateway) setSession(c *gin.Context, tok string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, tok, 0, "/", "", g.d.SecureCookie, true)
}

func (g *Gateway) clearSession(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, "", -1, "/", "", g.d.SecureCookie, true)
}

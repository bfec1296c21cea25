package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/attendcam/internal/attendance"
	"github.com/andresmejia3/attendcam/internal/events"
	"github.com/andresmejia3/attendcam/internal/framebus"
	"github.com/andresmejia3/attendcam/internal/identity"
	"github.com/andresmejia3/attendcam/internal/stream"
	"github.com/andresmejia3/attendcam/internal/types"
	"github.com/andresmejia3/attendcam/internal/worker"
	"github.com/gin-gonic/gin"
)

type usernameRequest struct {
	Username string `json:"username"`
}

// errCapture carries the HTTP status a failed capture maps to.
type errCapture struct {
	status int
	msg    string
	err    error
}

func (e *errCapture) Error() string { return e.msg + ": " + e.err.Error() }
func (e *errCapture) Unwrap() error { return e.err }

// capture waits for the next camera frame and runs the encoder on it.
// The frame wait and the encoder call each have their own deadline.
func (g *Gateway) capture(ctx context.Context) ([]types.FaceResult, error) {
	cctx, cancel := context.WithTimeout(ctx, g.d.CaptureTimeout)
	defer cancel()

	frame, err := g.d.Frames.Next(cctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &errCapture{http.StatusGatewayTimeout, "Camera did not deliver a frame in time", err}
	case errors.Is(err, framebus.ErrClosed):
		return nil, &errCapture{http.StatusServiceUnavailable, "Camera is shutting down", err}
	case err != nil:
		return nil, &errCapture{http.StatusServiceUnavailable, "Capture cancelled", err}
	}

	ectx, cancelEncode := context.WithTimeout(ctx, g.d.EncodeTimeout)
	defer cancelEncode()

	faces, err := g.d.Detector.Detect(ectx, frame.Data)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &errCapture{http.StatusGatewayTimeout, "Face encoder did not respond in time", err}
	case errors.Is(err, worker.ErrNoEngines), errors.Is(err, worker.ErrPoolClosed):
		return nil, &errCapture{http.StatusServiceUnavailable, "Face encoder unavailable", err}
	case err != nil:
		return nil, &errCapture{http.StatusInternalServerError, "Face encoder failed", err}
	}
	return faces, nil
}

func (g *Gateway) captureFailed(c *gin.Context, err error) {
	var ce *errCapture
	if !errors.As(err, &ce) {
		ce = &errCapture{http.StatusInternalServerError, "Capture failed", err}
	}
	g.log.Error().Err(ce.err).Int("status", ce.status).Msg(ce.msg)
	c.JSON(ce.status, gin.H{"status": "error", "message": ce.msg})
}

func (g *Gateway) index(c *gin.Context) {
	c.String(http.StatusOK, "Video stream is at %s", stream.Path)
}

func (g *Gateway) enroll(c *gin.Context) {
	var req usernameRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Invalid request body"})
		return
	}
	name := strings.TrimSpace(req.Username)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Username is required"})
		return
	}

	faces, err := g.capture(c.Request.Context())
	if err != nil {
		g.captureFailed(c, err)
		return
	}

	_, err = g.d.Identities.Enroll(name, types.Vectors(faces))
	switch {
	case errors.Is(err, identity.ErrNoFace):
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "No face found. Please look at the camera."})
		return
	case errors.Is(err, identity.ErrMultipleFaces):
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Multiple faces found. Only one person at a time."})
		return
	case errors.Is(err, identity.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Username is required"})
		return
	case err != nil:
		g.log.Error().Err(err).Str("name", name).Msg("Enrollment failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Enrollment failed"})
		return
	}

	g.log.Info().Str("name", name).Msg("Enrolled")
	g.d.Events.Emit(events.Event{Kind: events.KindEnrolled, Name: name})
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": fmt.Sprintf("User %s enrolled successfully!", name)})
}

func (g *Gateway) login(c *gin.Context) {
	if g.d.Identities.Len() == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "No users enrolled. Please enroll a user first."})
		return
	}

	faces, err := g.capture(c.Request.Context())
	if err != nil {
		g.captureFailed(c, err)
		return
	}

	m, err := g.d.Identities.Identify(types.Vectors(faces))
	switch {
	case errors.Is(err, identity.ErrEmptyStore):
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "No users enrolled. Please enroll a user first."})
		return
	case errors.Is(err, identity.ErrNoFace):
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "No face found"})
		return
	case err != nil:
		g.log.Error().Err(err).Msg("Identify failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Login failed"})
		return
	}
	if !m.Found {
		g.log.Info().Int("faces", len(faces)).Msg("Login failed: unknown user")
		g.d.Events.Emit(events.Event{Kind: events.KindLoginFailed, Detail: fmt.Sprintf("%d face(s), no match", len(faces))})
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Login failed: User not recognized."})
		return
	}

	now := g.d.Now()
	if err := g.d.Ledger.CheckIn(m.Name, now); err != nil {
		g.log.Error().Err(err).Str("name", m.Name).Msg("Check-in after login failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Login failed"})
		return
	}
	tok, err := g.d.Sessions.Login(m.Name)
	if err != nil {
		g.log.Error().Err(err).Str("name", m.Name).Msg("Session creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Login failed"})
		return
	}

	g.log.Info().Str("name", m.Name).Float64("distance", m.Distance).Msg("Login successful")
	g.d.Events.Emit(events.Event{Kind: events.KindLogin, Name: m.Name, Confidence: m.Confidence, At: now})
	g.d.Events.Emit(events.Event{Kind: events.KindCheckIn, Name: m.Name, At: now})

	g.setSession(c, tok)
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"message":    fmt.Sprintf("Welcome, %s!", m.Name),
		"username":   m.Name,
		"confidence": m.Confidence,
	})
}

func (g *Gateway) logout(c *gin.Context) {
	tok := token(c)
	if name, err := g.d.Sessions.Resolve(tok); err == nil {
		g.d.Sessions.Logout(tok)
		g.d.Events.Emit(events.Event{Kind: events.KindLogout, Name: name})
	}
	g.clearSession(c)
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Logged out"})
}

func (g *Gateway) attendance(c *gin.Context) {
	rep := g.d.Ledger.Snapshot(g.d.Now())
	c.JSON(http.StatusOK, gin.H{
		"status":           "success",
		"attendance":       rep.Entries,
		"total_users":      rep.TotalUsers,
		"checked_in_today": rep.CheckedInToday,
	})
}

func (g *Gateway) checkin(c *gin.Context) {
	var req usernameRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Invalid request body"})
		return
	}
	name := strings.TrimSpace(req.Username)
	if name == "" {
		name = c.GetString(userKey)
	}

	now := g.d.Now()
	if err := g.d.Ledger.CheckIn(name, now); err != nil {
		if errors.Is(err, attendance.ErrUnknownIdentity) {
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": fmt.Sprintf("Unknown user %s", name)})
			return
		}
		g.log.Error().Err(err).Str("name", name).Msg("Check-in failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Check-in failed"})
		return
	}

	g.d.Events.Emit(events.Event{Kind: events.KindCheckIn, Name: name, At: now, Detail: "manual by " + c.GetString(userKey)})
	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"message":       fmt.Sprintf("%s checked in", name),
		"username":      name,
		"checked_in_at": now.Format(time.RFC3339),
	})
}

func (g *Gateway) me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "username": c.GetString(userKey)})
}

// health reports camera liveness. A camera that has not published within
// twice the capture timeout is stale.
func (g *Gateway) health(c *gin.Context) {
	st := g.d.Frames.Stats()
	body := gin.H{
		"frames_published": st.Published,
		"viewers":          g.d.Viewers(),
		"enrolled":         g.d.Identities.Len(),
		"sessions":         g.d.Sessions.Len(),
	}

	if st.LastAt.IsZero() {
		body["status"] = "waiting"
		body["last_frame_age"] = nil
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}

	age := g.d.Now().Sub(st.LastAt)
	body["last_frame_age"] = age.Seconds()
	if age > 2*g.d.CaptureTimeout {
		body["status"] = "stale"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	c.JSON(http.StatusOK, body)
}

package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := Setup(Options{Level: "debug", Format: "json", Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	cl := Component(log, "camera")
	cl.Debug().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "camera" || line["message"] != "hello" || line["level"] != "debug" {
		t.Errorf("Unexpected line: %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Error("Expected a timestamp")
	}
}

func TestSetupLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := Setup(Options{Level: "warn", Format: "json", Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	log.Info().Msg("quiet")
	if buf.Len() != 0 {
		t.Errorf("Info should be filtered at warn, got %q", buf.String())
	}
}

func TestSetupConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := Setup(Options{Format: "console", Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Str("name", "alice").Msg("checked in")
	if !strings.Contains(buf.String(), "checked in") || !strings.Contains(buf.String(), "alice") {
		t.Errorf("Unexpected console output %q", buf.String())
	}
}

func TestSetupRejectsBadOptions(t *testing.T) {
	if _, err := Setup(Options{Level: "loud"}); err == nil {
		t.Error("Expected error for bad level")
	}
	if _, err := Setup(Options{Format: "xml"}); err == nil {
		t.Error("Expected error for bad format")
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(GinMiddleware(zerolog.New(&buf)))
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON line, got %q", buf.String())
	}
	if line["status"] != float64(404) || line["path"] != "/missing" || line["level"] != "warn" {
		t.Errorf("Unexpected line: %v", line)
	}
}

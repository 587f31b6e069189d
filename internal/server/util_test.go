package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":           "",
		"/":          "",
		"api":        "/api",
		"/api/":      "/api",
		" api ":      "/api",
		"//v1/api//": "/v1/api",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", in, got, want)
		}
	}
}

func TestIsSafeName(t *testing.T) {
	for _, s := range []string{"Triad", "Beam_2", "Spring-Damper.v1"} {
		if !isSafeName(s) {
			t.Fatalf("expected valid type name %q", s)
		}
	}
	for _, s := range []string{"", "..", "a..b", "a/b", `a\b`, "Tri ad", "Triad*", "트라이어드", strings.Repeat("x", 65)} {
		if isSafeName(s) {
			t.Fatalf("expected invalid type name %q", s)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, http.StatusCreated, okResp{OK: true}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusCreated || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("status=%d content-type=%s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
)

// sanitizeBase normalizes a mount point to "" or "/seg[/seg...]".
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// isSafeName accepts object group type names such as "Triad" or "Beam_2".
// The name is echoed into logs and error bodies, so only A-Z a-z 0-9 . _ -
// are allowed and ".." is rejected.
func isSafeName(s string) bool {
	if s == "" || len(s) > 64 || strings.Contains(s, "..") {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case r == '.' || r == '_' || r == '-':
			return false
		}
		return true
	}) < 0
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

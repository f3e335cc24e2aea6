package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// DefaultBodyLimit applies when no size is configured.
const DefaultBodyLimit int64 = 1 << 20

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"GB", 1 << 30}, {"G", 1 << 30},
	{"MB", 1 << 20}, {"M", 1 << 20},
	{"KB", 1 << 10}, {"K", 1 << 10},
	{"B", 1},
}

// ParseSize turns "512K", "1M", "2GB" or a bare byte count into bytes.
// An empty string yields DefaultBodyLimit. Sizes that do not fit in an
// int64 are rejected.
func ParseSize(s string) (int64, error) {
	raw := s
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return DefaultBodyLimit, nil
	}

	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("size %q is too large", raw)
	}
	return n * mult, nil
}

// BodyLimit rejects requests whose declared length exceeds limit and caps
// the body reader for the rest. Reads past the cap fail with
// *http.MaxBytesError, which handlers map to 413.
func BodyLimit(limit int64) echo.MiddlewareFunc {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > limit {
				return ErrBodyTooLarge
			}
			req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
			return next(c)
		}
	}
}

// ErrBodyTooLarge is the 413 returned for oversized request bodies.
var ErrBodyTooLarge = echo.NewHTTPError(http.StatusRequestEntityTooLarge, "The request body is too large.")

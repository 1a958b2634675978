// Package middleware adapts a flowtrace.Tracer to common server
// frameworks: one trace per inbound request, propagated through the
// request context so handler code only needs StartSpan for child spans.
package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"

	flowtrace "github.com/flowtrace/flowtrace-go"
)

// Gin traces every request as its own trace rooted at the route span. The
// trace ends with the response: 5xx statuses and accumulated gin errors
// mark it ERROR.
func Gin(tracer *flowtrace.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		ctx, span := tracer.StartSpan(c.Request.Context(),
			fmt.Sprintf("%s %s", c.Request.Method, route),
			flowtrace.WithAttribute("http.method", c.Request.Method),
			flowtrace.WithAttribute("http.route", route),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		opts := []flowtrace.EndOption{
			flowtrace.WithOutputs(map[string]any{"http.status_code": status}),
		}
		switch {
		case len(c.Errors) > 0:
			opts = append(opts, flowtrace.WithError(c.Errors.Last()))
		case status >= 500:
			opts = append(opts, flowtrace.WithStatus(flowtrace.SpanStatusError))
		}
		_ = tracer.EndSpan(ctx, span.ID(), opts...)
	}
}

package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/idempotency"
	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/middleware"
)

// responseRecorder keeps a copy of what the handler writes.
type responseRecorder struct {
	gin.ResponseWriter
	body []byte
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) WriteString(s string) (int, error) {
	r.body = append(r.body, s...)
	return r.ResponseWriter.WriteString(s)
}

// idempotent replays the stored response of a request repeated with the
// same Idempotency-Key. Keys are scoped to user and route. A request that
// arrives while the first one is still running gets 409.
func (a *API) idempotent() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(middleware.IdempotencyKeyHeader)
		if key == "" || a.Idempotency == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)
		scoped := middleware.Username(c) + ":" + c.Request.Method + ":" + c.FullPath() + ":" + key

		resp, found, err := a.Idempotency.Get(ctx, scoped)
		if err != nil {
			log.Warn("idempotency lookup failed", zap.Error(err))
		} else if found {
			for k, values := range resp.Headers {
				for _, v := range values {
					c.Writer.Header().Add(k, v)
				}
			}
			c.Header("Idempotent-Replayed", "true")
			c.Data(resp.StatusCode, c.Writer.Header().Get("Content-Type"), resp.Body)
			c.Abort()
			return
		}

		if err := a.Idempotency.Claim(ctx, scoped); err != nil {
			if errors.Is(err, idempotency.ErrInFlight) {
				a.fail(c, err)
				return
			}
			log.Warn("idempotency claim failed", zap.Error(err))
			c.Next()
			return
		}

		rec := &responseRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		if rec.Status() >= http.StatusInternalServerError {
			if err := a.Idempotency.Release(ctx, scoped); err != nil {
				log.Warn("idempotency release failed", zap.Error(err))
			}
			return
		}
		err = a.Idempotency.Set(ctx, scoped, idempotency.Response{
			StatusCode: rec.Status(),
			Body:       rec.body,
			Headers:    map[string][]string{"Content-Type": rec.Header().Values("Content-Type")},
		})
		if err != nil {
			log.Warn("failed to store idempotent response", zap.Error(err))
		}
	}
}

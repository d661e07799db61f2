package ws

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"marketplace-chat/internal/observability"
)

func newConnID() string {
	return uuid.NewString()
}

// handshakeToken returns the credential offered during the upgrade, if any.
func handshakeToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header != "" {
		return header
	}
	return c.Query("token")
}

func publishLifecycle(ctx context.Context, routingKey, name string, conn *Conn, reason string) {
	info := conn.Info()
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       name,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": observability.WSConnectionPayload{
			ConnID:   info.ConnID,
			UserID:   conn.UserID(),
			IP:       info.IP,
			DeviceID: info.DeviceID,
		},
	}
	_ = observability.PublishEvent(ctx, routingKey,
		observability.NewEnvelope("ws_events", name, payload),
		observability.BuildHeaders(info.RequestID, info.TraceID))
}

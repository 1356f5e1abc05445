package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aescanero/megaservice/pkg/adapters/events/memory"
	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEventStream_FiltersByRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	bus := memory.NewEventBus()
	defer bus.Close()

	router := gin.New()
	router.GET("/api/v1/events/ws", NewHandler(bus, nil).HandleEventStream)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws?request_id=r1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered asynchronously after the upgrade
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = bus.Publish(ctx, domain.EventsTopic, domain.Event{ID: "other", Type: domain.EventTypeRequestStarted, RequestID: "r2"})
				_ = bus.Publish(ctx, domain.EventsTopic, domain.Event{ID: "mine", Type: domain.EventTypeNodeCompleted, RequestID: "r1", NodeName: "llm"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event domain.Event
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, "mine", event.ID)
	assert.Equal(t, "r1", event.RequestID)
	assert.Equal(t, "llm", event.NodeName)
	assert.Equal(t, domain.EventTypeNodeCompleted, event.Type)
}

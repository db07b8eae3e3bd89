// -----------------------------------------------------------------------
// WebSocket listener for backend push messages
// -----------------------------------------------------------------------

package comfy

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/ternarybob/fresco/internal/common"
)

// Listen connects to the backend websocket and streams push messages on the
// returned channel until the connection drops or ctx is cancelled. When
// promptID is non-empty, messages scoped to other prompts are dropped.
// The channel closes on stream end; callers must tolerate a silent end.
func (c *Client) Listen(ctx context.Context, promptID string) (<-chan WSMessage, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws?clientId=" + url.QueryEscape(c.clientID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	log := common.GetLogger()
	messages := make(chan WSMessage, 16)

	// Close the connection when the caller gives up so ReadMessage unblocks
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(messages)
		defer conn.Close()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.Debug().Err(err).Str("backend", c.baseURL).Msg("Backend websocket closed")
				}
				return
			}
			// Binary frames carry preview image data; the tracker only
			// consumes the JSON text frames.
			if msgType != websocket.TextMessage {
				continue
			}

			var msg WSMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Debug().Err(err).Str("backend", c.baseURL).Msg("Skipping malformed websocket message")
				continue
			}

			if promptID != "" && len(msg.Data) > 0 {
				var scope struct {
					PromptID string `json:"prompt_id"`
				}
				if err := json.Unmarshal(msg.Data, &scope); err == nil && scope.PromptID != "" && scope.PromptID != promptID {
					continue
				}
			}

			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return messages, nil
}

package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type StreamOptions struct {
	Buffer         int
	WriteTimeout   time.Duration
	OriginPatterns []string
	Logger         logrus.FieldLogger
}

// StreamHandler upgrades to a websocket and forwards every hub event as JSON
// until the client goes away.
func StreamHandler(hub *Hub, opts StreamOptions) http.Handler {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			opts.Logger.WithError(err).Warn("notification stream upgrade failed")
			return
		}
		defer conn.Close(websocket.StatusInternalError, "stream closed")

		ctx := conn.CloseRead(r.Context())
		events := hub.Subscribe(opts.Buffer)
		defer hub.Unsubscribe(events)

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(ctx, conn, evt, opts.WriteTimeout); err != nil {
					opts.Logger.WithError(err).Debug("notification stream write failed")
					return
				}
			}
		}
	})
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt Event, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}

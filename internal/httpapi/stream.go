package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smsgw/fleet-console/internal/hub"
	"github.com/smsgw/fleet-console/internal/view"
)

const (
	streamWriteWait   = 10 * time.Second
	streamPingPeriod  = 30 * time.Second
	streamPongTimeout = 40 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamMessage is the downstream wire form of a hub update, with records
// decorated by their derived view fields.
type streamMessage struct {
	Type            string        `json:"type"`
	Devices         []view.Device `json:"devices"`
	Removed         []string      `json:"removed,omitempty"`
	SnapshotVersion int64         `json:"snapshot_version,omitempty"`
	Stale           bool          `json:"stale"`
}

// streamDevices pushes fleet changes to one dashboard client. The first
// message is always a snapshot for the client's filter; afterwards only
// changed devices flow. A client that falls behind gets a fresh snapshot
// instead of the backlog.
func (a *API) streamDevices(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := a.mirror.Subscribe(filter)
	defer sub.Close()

	// Reader only detects the client going away; inbound payloads are
	// ignored.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(streamPingPeriod)
	defer pings.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-pings.C:
			deadline := time.Now().Add(streamWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case update, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(a.toStreamMessage(update)); err != nil {
				return
			}
		}
	}
}

func (a *API) toStreamMessage(u hub.Update) streamMessage {
	now := time.Now().UTC()
	devices := make([]view.Device, 0, len(u.Devices))
	for _, d := range u.Devices {
		devices = append(devices, view.For(d, now))
	}
	return streamMessage{
		Type:            u.Type,
		Devices:         devices,
		Removed:         u.Removed,
		SnapshotVersion: u.SnapshotVersion,
		Stale:           a.mirror.Stale(),
	}
}

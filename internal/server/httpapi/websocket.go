// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ccheshirecat/streamlog/internal/protocol/logstream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t wsTransport) WriteEvent(ev logstream.Event) error {
	frame, err := logstream.EncodeFrame(ev)
	if err != nil {
		return err
	}
	w, err := t.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(frame); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (t wsTransport) WriteHeartbeat() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t wsTransport) SetWriteDeadline(deadline time.Time) error {
	return t.conn.SetWriteDeadline(deadline)
}

func (api *apiServer) streamWebSocket(c *gin.Context) {
	s, ok := api.register(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, http.Header{HeaderSession: []string{s.ID()}})
	if err != nil {
		api.logger.Warn("websocket upgrade", "session", s.ID(), "error", err)
		api.hub.Disconnect(s, err)
		return
	}
	defer conn.Close()

	opts := api.hub.ServeOptions()
	// The peer must answer pings within two heartbeats.
	readWindow := 2*opts.HeartbeatInterval + opts.WriteTimeout

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWindow))
		})
		for {
			// Inbound data frames carry nothing; reading drives control frames.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := api.hub.Activate(ctx, s); err != nil {
		api.logger.Debug("activate websocket session", "session", s.ID(), "error", err)
		return
	}
	err = s.Serve(ctx, wsTransport{conn: conn, writeTimeout: opts.WriteTimeout}, opts)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	api.finish(s, "websocket", err)
}

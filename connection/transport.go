// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Websocket transport for one relay connection.
package connection

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Transport is one open connection to a relay. Write must not be called concurrently.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials relays with coder/websocket.
type WebsocketDialer struct {
	// ReadLimit caps a single inbound frame. Zero means 8 MiB.
	ReadLimit int64
	Header    http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 8 << 20
	}
	conn.SetReadLimit(limit)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close(code int, reason string) error {
	done := make(chan error, 1)
	go func() { done <- t.conn.Close(websocket.StatusCode(code), reason) }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		return t.conn.CloseNow()
	}
}

// closeInfo extracts the websocket close code and reason, if any.
func closeInfo(err error) (int, string) {
	if code := websocket.CloseStatus(err); code != -1 {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return int(code), ce.Reason
		}
		return int(code), ""
	}
	if err != nil {
		return int(websocket.StatusAbnormalClosure), err.Error()
	}
	return int(websocket.StatusNormalClosure), ""
}

const (
	StatusNormalClosure = int(websocket.StatusNormalClosure)
	StatusGoingAway     = int(websocket.StatusGoingAway)
)

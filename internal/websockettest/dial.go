// Package websockettest holds client helpers for exercising session heartbeats.
package websockettest

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Dial opens a client connection speaking subprotocol. With answerPings false the client
// swallows server pings, which makes it look like a dead peer.
func Dial(urlStr, subprotocol string, answerPings bool) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	if subprotocol != "" {
		dialer.Subprotocols = []string{subprotocol}
	}
	conn, resp, err := dialer.Dial(urlStr, nil)
	if err != nil {
		return nil, resp, err
	}
	if !answerPings {
		conn.SetPingHandler(func(string) error { return nil })
	}
	return conn, resp, nil
}

// Drain reads until the connection fails so control frames keep being handled. The returned
// channel closes once the server has hung up.
func Drain(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

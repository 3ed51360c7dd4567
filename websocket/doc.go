// Package websocket runs RFC 6455 connections over net.Conn on top of the
// sans-IO engine in package protocol.
//
// The package provides:
//   - Server-side connection upgrading via Upgrader
//   - Client-side connection dialing via Dialer, with proxy and TLS support
//   - JSON encoding/decoding helpers
//   - Prepared messages for efficient broadcasting
//
// Server Example:
//
//	var upgrader = websocket.Upgrader{
//	    MaxMessageSize: 1 << 20,
//	}
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    conn, err := upgrader.Upgrade(w, r, nil)
//	    if err != nil {
//	        return
//	    }
//	    defer conn.Close()
//
//	    for {
//	        messageType, p, err := conn.ReadMessage()
//	        if err != nil {
//	            return
//	        }
//	        if err := conn.WriteMessage(messageType, p); err != nil {
//	            return
//	        }
//	    }
//	}
//
// Client Example:
//
//	conn, _, err := websocket.DefaultDialer.Dial("ws://localhost:8080/ws", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	err = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Concurrency:
//
// Connections support one concurrent reader and one concurrent writer. The
// reader also writes the pong and close replies the protocol requires, so
// these replies wait for an open NextWriter to be closed.
//
// Closing:
//
// WriteControl with CloseMessage starts the closing handshake; the read
// methods keep delivering messages until the peer's Close arrives and then
// return a *CloseError. A Close from the peer is answered automatically.
// Protocol violations end the connection: the matching Close frame
// (1002, 1007 or 1009) is sent and the read methods return the violation.
//
// Origin Checking:
//
// Web browsers allow any site to open a WebSocket connection to any other site.
// The Upgrader calls CheckOrigin to validate the request origin. If CheckOrigin
// is nil, the Upgrader rejects cross-origin requests.
package websocket

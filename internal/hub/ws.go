package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSObserver adapts a websocket connection to the Observer interface.
// gorilla/websocket allows only one concurrent writer per connection, so
// sends are serialized with a mutex.
type WSObserver struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSObserver(conn *websocket.Conn) *WSObserver {
	return &WSObserver{conn: conn}
}

func (o *WSObserver) Send(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	_ = o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return o.conn.WriteMessage(websocket.TextMessage, data)
}

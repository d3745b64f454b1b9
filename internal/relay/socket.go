package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// socket serializes writes to a websocket connection. gorilla connections
// support one concurrent reader and one concurrent writer.
type socket struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSocket(conn *websocket.Conn) *socket {
	return &socket{conn: conn}
}

func (s *socket) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

func (s *socket) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *socket) read() (int, []byte, error) {
	return s.conn.ReadMessage()
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		_ = s.conn.Close()
	})
}

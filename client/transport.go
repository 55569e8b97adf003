package client

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Handlers 由客户端提供给传输层的回调。
// OnClose 在读循环退出时恰好调用一次（对端关闭或出错）。
type Handlers struct {
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Transport 是一条已建立的双向二进制消息通道
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Dialer 建立传输层连接；测试里可以替换成内存实现
type Dialer func(ctx context.Context, url string, h Handlers) (Transport, error)

type wsTransport struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// DialWebSocket 是默认 Dialer：websocket 二进制帧，
// ping 由 gorilla 的默认 handler 自动回 pong。
func DialWebSocket(ctx context.Context, url string, h Handlers) (Transport, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	t := &wsTransport{ws: ws}
	go t.readLoop(h)
	return t, nil
}

func (t *wsTransport) readLoop(h Handlers) {
	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			if h.OnClose != nil {
				h.OnClose(err)
			}
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

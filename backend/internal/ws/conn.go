package ws

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zettant/realtime-object-sync/backend/internal/session"
	"github.com/zettant/realtime-object-sync/wire"
)

// Conn 把一条 websocket 连接适配成 session.Peer。
// 出站消息先进有界队列，由 writeLoop 单协程写出；队列满了直接丢
// （广播是尽力而为的，慢消费者不允许拖住别人）。
type Conn struct {
	ws       *websocket.Conn
	registry *session.Registry

	send chan []byte

	mu     sync.Mutex
	alive  bool
	closed bool
}

var errQueueFull = errors.New("ws: send queue full")

func NewConn(wsConn *websocket.Conn, registry *session.Registry) *Conn {
	return &Conn{
		ws:       wsConn,
		registry: registry,
		send:     make(chan []byte, 32),
		alive:    true,
	}
}

func (c *Conn) Send(msg *wire.Message) error {
	b, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("ws: connection closed")
	}
	select {
	case c.send <- b:
		return nil
	default:
		return errQueueFull
	}
}

// Terminate 立即无条件掐断连接；readLoop 随之退出并走统一清理路径
func (c *Conn) Terminate() {
	_ = c.ws.Close()
}

func (c *Conn) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// checkAndClearAlive 返回上一轮之后是否有过活动，并复位标记
func (c *Conn) checkAndClearAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.ws.Close()
}

// readLoop 阻塞读取并逐帧分发；连接出错或对端关闭时执行清理。
// 清理与 CLOSE 消息、保活超时走的是同一条幂等路径。
func (c *Conn) readLoop() {
	defer func() {
		c.registry.Disconnect(c)
		c.shutdown()
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.markAlive()
		c.registry.Dispatch(c, data)
	}
}

// writeLoop 持续消费队列，单点写出
func (c *Conn) writeLoop() {
	for b := range c.send {
		if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
			return
		}
	}
}

package ws

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/zettant/realtime-object-sync/backend/internal/session"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Manager 管理所有活动连接并跑固定间隔的保活巡检
type Manager struct {
	registry *session.Registry

	mu    sync.Mutex
	conns map[*Conn]struct{}

	stopSweep chan struct{}
}

func NewManager(registry *session.Registry) *Manager {
	return &Manager{
		registry:  registry,
		conns:     make(map[*Conn]struct{}),
		stopSweep: make(chan struct{}),
	}
}

// WebSocketConnect 升级连接并进入读循环（阻塞至连接关闭）
func (m *Manager) WebSocketConnect(c *gin.Context) {
	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	conn := NewConn(wsConn, m.registry)
	wsConn.SetPongHandler(func(string) error {
		conn.markAlive()
		// 空闲连接只要还在回 pong，presence 里的 TTL 就跟着续
		m.registry.Touch(conn)
		return nil
	})

	m.track(conn)
	defer m.untrack(conn)

	// 先启动写循环，确保入队的消息可以被及时发送
	go conn.writeLoop()
	conn.readLoop()
}

func (m *Manager) track(c *Conn) {
	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) untrack(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}

// StartKeepalive 启动保活巡检：上一轮没有任何响应的连接视为已死，
// 强制断开并走和显式 CLOSE 一样的清理路径。
func (m *Manager) StartKeepalive(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopSweep:
				return
			}
		}
	}()
}

func (m *Manager) StopKeepalive() {
	close(m.stopSweep)
}

func (m *Manager) sweep() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if !c.checkAndClearAlive() {
			log.Printf("keepalive: terminate unresponsive connection")
			m.registry.Disconnect(c)
			c.Terminate()
			continue
		}
		// WriteControl 可以和 writeLoop 并发调用
		_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	}
}

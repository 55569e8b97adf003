// Package client 实现同步客户端：负责握手、监听分发和出站编辑。
// 文档的局部编辑通过 Document() 返回的镜像进行。
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zettant/realtime-object-sync/client/mirror"
	"github.com/zettant/realtime-object-sync/jsonval"
	"github.com/zettant/realtime-object-sync/wire"
)

// 按事件类别强类型化的监听器，替代"回调数组 + 动态参数"的写法

type CloseFunc func()
type ErrorFunc func(err error)
type AccountFunc func(sessionID string, op wire.OpType, info *jsonval.Value)
type StateFunc func(sessionID string, op wire.OpType, path jsonval.Path, data *jsonval.Value)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrAlreadyOpen  = errors.New("client: connection already open")
	// ErrRejected：服务端在握手阶段回了 CLOSE（通常是令牌验证失败）
	ErrRejected = errors.New("client: server rejected connection")
)

// SyncClient 对应一条连接、一份文档。并发安全。
type SyncClient struct {
	dialer Dialer

	mu        sync.Mutex
	tr        Transport
	connected bool
	sessionID string
	revision  int64
	account   *jsonval.Value
	state     *jsonval.Value
	doc       *mirror.Mirror

	handshake  chan *wire.Message // 一次性等待器，优先于稳态监听吃掉 CONNECTED/CLOSE
	rosterWait chan *jsonval.Value

	// 握手完成前到达的文档增量。只入队、不自动回放，
	// 由调用方通过 DrainPending 决定怎么处理。
	pending []*wire.Message

	nextListener int
	closeFns     map[int]CloseFunc
	errorFns     map[int]ErrorFunc
	accountFns   map[int]AccountFunc
	stateFns     map[int]StateFunc
}

func New() *SyncClient {
	return NewWithDialer(DialWebSocket)
}

func NewWithDialer(d Dialer) *SyncClient {
	c := &SyncClient{
		dialer:       d,
		state:        jsonval.NewObject(),
		nextListener: 1,
		closeFns:     make(map[int]CloseFunc),
		errorFns:     make(map[int]ErrorFunc),
		accountFns:   make(map[int]AccountFunc),
		stateFns:     make(map[int]StateFunc),
	}
	c.doc = mirror.New(c.sendDocDelta)
	return c
}

// Document 返回文档镜像；顶层键的跟踪与 handler 注册都在镜像上做
func (c *SyncClient) Document() *mirror.Mirror { return c.doc }

func (c *SyncClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *SyncClient) Revision() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// State 返回自己的临时状态树的拷贝
func (c *SyncClient) State() *jsonval.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Open 建立连接并完成握手：发 OPEN，等第一条 CONNECTED 或 CLOSE。
// 服务端带回了快照就用它初始化镜像；否则若调用方给了 initialData，
// 本地先落种子再发 DOCUMENT_UPLOAD（服务端首写生效，输掉竞争不会另行通知）。
func (c *SyncClient) Open(ctx context.Context, url, token string, accountInfo, initialData *jsonval.Value) error {
	c.mu.Lock()
	if c.tr != nil {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	hs := make(chan *wire.Message, 1)
	c.handshake = hs
	c.mu.Unlock()

	tr, err := c.dialer(ctx, url, Handlers{OnMessage: c.onMessage, OnClose: c.onTransportClose})
	if err != nil {
		c.mu.Lock()
		c.handshake = nil
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()

	if err := c.send(wire.NewOpenMessage(token, accountInfo)); err != nil {
		c.resetOpen(tr)
		return err
	}

	var resp *wire.Message
	select {
	case resp = <-hs:
	case <-ctx.Done():
		c.resetOpen(tr)
		return ctx.Err()
	}

	if resp.MsgType == wire.MsgClose {
		c.resetOpen(tr)
		reason := wire.CloseReasonVoluntary
		if resp.Close != nil {
			reason = resp.Close.Reason
		}
		return fmt.Errorf("%w (reason=%d)", ErrRejected, reason)
	}
	p := resp.Connected
	if p == nil {
		c.resetOpen(tr)
		return wire.ErrMalformed
	}

	upload := false
	c.mu.Lock()
	c.handshake = nil
	c.sessionID = p.SessionID
	if accountInfo != nil {
		c.account = accountInfo.Clone()
	}
	if p.HasInitialData {
		if v, perr := jsonval.Parse(p.Data); perr == nil {
			c.doc.SetDocument(v)
			c.revision = p.Revision
		}
	} else if initialData != nil {
		c.doc.SetDocument(initialData)
		upload = true
	}
	c.connected = true
	c.mu.Unlock()

	if upload {
		if err := c.send(wire.NewDocumentUploadMessage(initialData)); err != nil {
			return err
		}
	}
	return nil
}

// resetOpen 回滚一次失败的 Open，使同一个客户端可以直接重试
// 而不会撞上 ErrAlreadyOpen
func (c *SyncClient) resetOpen(tr Transport) {
	c.mu.Lock()
	c.tr = nil
	c.handshake = nil
	c.connected = false
	c.mu.Unlock()
	_ = tr.Close()
}

// Close 发送自愿关闭并退出会话；传输层留给 Disconnect 收尾
func (c *SyncClient) Close() {
	c.mu.Lock()
	tr := c.tr
	c.connected = false
	c.sessionID = ""
	c.mu.Unlock()
	if tr == nil {
		return
	}
	if b, err := wire.Encode(wire.NewCloseMessage(wire.CloseReasonVoluntary)); err == nil {
		_ = tr.Send(b)
	}
}

// Disconnect 直接掐断传输层
func (c *SyncClient) Disconnect() {
	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	c.connected = false
	c.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}

// SetAccount 整体替换自己的账号信息并推送 ACCOUNT_UPDATE
func (c *SyncClient) SetAccount(info *jsonval.Value) error {
	if err := c.send(wire.NewAccountUpdateMessage(info)); err != nil {
		return err
	}
	c.mu.Lock()
	c.account = info.Clone()
	c.mu.Unlock()
	return nil
}

func (c *SyncClient) Account() *jsonval.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account.Clone()
}

// SetState 写自己临时状态的单段路径
func (c *SyncClient) SetState(key string, value *jsonval.Value) error {
	msg := wire.NewDataUpdateMessage("", wire.TargetState, wire.OpAdd, 0, jsonval.Path{jsonval.Key(key)}, value)
	if err := c.send(msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.SetField(key, value)
	c.mu.Unlock()
	return nil
}

func (c *SyncClient) DelState(key string) error {
	msg := wire.NewDataUpdateMessage("", wire.TargetState, wire.OpDel, 0, jsonval.Path{jsonval.Key(key)}, nil)
	if err := c.send(msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.DeleteField(key)
	c.mu.Unlock()
	return nil
}

// MoveState 发送保留的 MOV 操作。服务端认识但不定义变更语义，
// 会直接丢弃；本地仍按约定移除该键。
func (c *SyncClient) MoveState(key string, value *jsonval.Value) error {
	msg := wire.NewDataUpdateMessage("", wire.TargetState, wire.OpMov, 0, jsonval.Path{jsonval.Key(key)}, value)
	if err := c.send(msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.DeleteField(key)
	c.mu.Unlock()
	return nil
}

// GetAllAccounts 发 REQUEST(ALL_ACCOUNT)，阻塞到对应的 ACCOUNT_ALL 回包
func (c *SyncClient) GetAllAccounts(ctx context.Context) (map[string]*jsonval.Value, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c.rosterWait != nil {
		c.mu.Unlock()
		return nil, errors.New("client: roster request already in flight")
	}
	w := make(chan *jsonval.Value, 1)
	c.rosterWait = w
	c.mu.Unlock()

	if err := c.send(wire.NewRequestMessage(wire.ReqAllAccount)); err != nil {
		c.mu.Lock()
		c.rosterWait = nil
		c.mu.Unlock()
		return nil, err
	}

	select {
	case v := <-w:
		out := make(map[string]*jsonval.Value, v.Len())
		for _, k := range v.Keys() {
			f, _ := v.Field(k)
			out[k] = f
		}
		return out, nil
	case <-ctx.Done():
		c.mu.Lock()
		c.rosterWait = nil
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// DrainPending 取走握手前入队的文档增量并清空队列
func (c *SyncClient) DrainPending() []*wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// 监听器注册。返回的 id 用于注销。

func (c *SyncClient) AddCloseListener(f CloseFunc) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.closeFns[id] = f
	return id
}

func (c *SyncClient) RemoveCloseListener(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.closeFns, id)
}

func (c *SyncClient) AddErrorListener(f ErrorFunc) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.errorFns[id] = f
	return id
}

func (c *SyncClient) RemoveErrorListener(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.errorFns, id)
}

func (c *SyncClient) AddAccountListener(f AccountFunc) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.accountFns[id] = f
	return id
}

func (c *SyncClient) RemoveAccountListener(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accountFns, id)
}

func (c *SyncClient) AddStateListener(f StateFunc) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.stateFns[id] = f
	return id
}

func (c *SyncClient) RemoveStateListener(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stateFns, id)
}

func (c *SyncClient) send(msg *wire.Message) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}
	b, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return tr.Send(b)
}

// sendDocDelta 是镜像的出站增量落点
func (c *SyncClient) sendDocDelta(op wire.OpType, path jsonval.Path, data *jsonval.Value) {
	c.mu.Lock()
	sid := c.sessionID
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return
	}
	if err := c.send(wire.NewDataUpdateMessage(sid, wire.TargetDocument, op, 0, path, data)); err != nil {
		c.emitError(err)
	}
}

func (c *SyncClient) onMessage(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		c.emitError(err)
		return
	}

	// 握手等待器优先吃掉 CONNECTED / CLOSE
	c.mu.Lock()
	hs := c.handshake
	c.mu.Unlock()
	if hs != nil && (msg.MsgType == wire.MsgConnected || msg.MsgType == wire.MsgClose) {
		select {
		case hs <- msg:
		default:
		}
		return
	}

	switch msg.MsgType {
	case wire.MsgClose:
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.emitClose()

	case wire.MsgAccountNotify:
		p := msg.AccountNotify
		if p == nil || p.SessionID == "" {
			return
		}
		var info *jsonval.Value
		if p.AccountInfo != "" {
			info, _ = jsonval.Parse(p.AccountInfo)
		}
		for _, f := range c.accountListeners() {
			f(p.SessionID, p.OpType, info)
		}

	case wire.MsgAccountAll:
		c.mu.Lock()
		w := c.rosterWait
		c.rosterWait = nil
		c.mu.Unlock()
		if w == nil || msg.AccountAll == nil {
			return
		}
		v, perr := jsonval.Parse(msg.AccountAll.AllAccounts)
		if perr != nil {
			v = jsonval.NewObject()
		}
		w <- v

	case wire.MsgDataUpdate:
		c.onDataUpdate(msg)
	}
	// 其余类型忽略，连接保持
}

func (c *SyncClient) onDataUpdate(msg *wire.Message) {
	p := msg.Data
	if p == nil || p.SessionID == "" {
		return
	}
	path, err := jsonval.ParsePath(p.TargetKey)
	if err != nil {
		return
	}
	var data *jsonval.Value
	if p.Data != "" {
		if v, perr := jsonval.Parse(p.Data); perr == nil {
			data = v
		}
	}

	if p.Target == wire.TargetState {
		for _, f := range c.stateListeners() {
			f(p.SessionID, p.OpType, path, data)
		}
		return
	}

	c.mu.Lock()
	if !c.connected {
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return
	}
	if p.Revision > c.revision {
		c.revision = p.Revision
	}
	c.mu.Unlock()
	c.doc.Route(p.SessionID, p.OpType, path, data)
}

func (c *SyncClient) onTransportClose(err error) {
	c.mu.Lock()
	c.connected = false
	hs := c.handshake
	c.handshake = nil
	c.mu.Unlock()
	// 握手期间断开：给等待器投一条合成 CLOSE，让 Open 立即失败
	if hs != nil {
		select {
		case hs <- wire.NewCloseMessage(wire.CloseReasonVoluntary):
		default:
		}
	}
	if err != nil {
		c.emitError(err)
	}
	c.emitClose()
}

func (c *SyncClient) emitClose() {
	c.mu.Lock()
	fns := make([]CloseFunc, 0, len(c.closeFns))
	for _, f := range c.closeFns {
		fns = append(fns, f)
	}
	c.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

func (c *SyncClient) emitError(err error) {
	c.mu.Lock()
	fns := make([]ErrorFunc, 0, len(c.errorFns))
	for _, f := range c.errorFns {
		fns = append(fns, f)
	}
	c.mu.Unlock()
	for _, f := range fns {
		f(err)
	}
}

func (c *SyncClient) accountListeners() []AccountFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := make([]AccountFunc, 0, len(c.accountFns))
	for _, f := range c.accountFns {
		fns = append(fns, f)
	}
	return fns
}

func (c *SyncClient) stateListeners() []StateFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := make([]StateFunc, 0, len(c.stateFns))
	for _, f := range c.stateFns {
		fns = append(fns, f)
	}
	return fns
}

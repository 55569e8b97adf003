package session

import (
	"log"
	"sync"
	"time"

	"github.com/zettant/realtime-object-sync/backend/internal/events"
	"github.com/zettant/realtime-object-sync/jsonval"
	"github.com/zettant/realtime-object-sync/wire"
)

// Peer 是传输层抽象：服务端的 websocket 连接实现它，测试用假连接。
// Send 是尽力而为的（入队即返回），Terminate 立即掐断连接。
type Peer interface {
	Send(msg *wire.Message) error
	Terminate()
}

// DocSession 是一个打开中的文档的全部服务端状态：
// 参与者名册、每人的临时状态、共享文档树和版本号。
// 参与者数归零的瞬间整个会话被销毁，什么都不跨空档保留。
type DocSession struct {
	name string

	mu           sync.RWMutex // 保护名册三张表
	participants map[Peer]string
	accounts     map[string]*jsonval.Value
	states       map[string]*jsonval.Value

	// 文档变更的命名临界区：同一文档同一时刻至多一个在途变更，
	// 版本号序列与客户端观察到的广播顺序一致
	docMu    sync.Mutex
	document *jsonval.Value
	revision int64

	dispatcher *events.Dispatcher // 可为 nil
}

func newDocSession(name string, dispatcher *events.Dispatcher) *DocSession {
	return &DocSession{
		name:         name,
		participants: make(map[Peer]string),
		accounts:     make(map[string]*jsonval.Value),
		states:       make(map[string]*jsonval.Value),
		document:     jsonval.NewObject(),
		dispatcher:   dispatcher,
	}
}

func (d *DocSession) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.participants)
}

func (d *DocSession) Revision() int64 {
	d.docMu.Lock()
	defer d.docMu.Unlock()
	return d.revision
}

// broadcast 同步地向所有参与者发送；exclude 非空时跳过该 sessionId。
// 单个接收方发送失败只记日志，不影响其他接收方，也不回滚发送方已提交的状态。
func (d *DocSession) broadcast(msg *wire.Message, exclude string) {
	d.mu.RLock()
	peers := make(map[Peer]string, len(d.participants))
	for p, id := range d.participants {
		peers[p] = id
	}
	d.mu.RUnlock()

	for p, id := range peers {
		if exclude != "" && id == exclude {
			continue
		}
		if err := p.Send(msg); err != nil {
			log.Printf("broadcast to session %s failed: %v", id, err)
		}
	}
}

// Join 把连接加入名册并回 CONNECTED。
// 文档非空时带上快照和当前版本号；临时状态重置为空对象。
func (d *DocSession) Join(p Peer, sessionID string, accountInfo *jsonval.Value) {
	if accountInfo == nil {
		accountInfo = jsonval.NewNull()
	}
	d.mu.Lock()
	d.participants[p] = sessionID
	d.accounts[sessionID] = accountInfo
	d.states[sessionID] = jsonval.NewObject()
	d.mu.Unlock()

	log.Printf("doc %s: join session %s", d.name, sessionID)
	d.broadcast(wire.NewAccountNotifyMessage(sessionID, wire.OpAdd, accountInfo), sessionID)

	d.docMu.Lock()
	var snapshot *jsonval.Value
	revision := d.revision
	if !d.document.IsEmptyObject() {
		snapshot = d.document.Clone()
	}
	d.docMu.Unlock()

	if err := p.Send(wire.NewConnectedMessage(sessionID, snapshot, revision)); err != nil {
		log.Printf("doc %s: send CONNECTED to %s failed: %v", d.name, sessionID, err)
	}
}

// Leave 把连接移出名册并向所有剩余参与者广播 DEL 通知
// （不排除任何人：离开者已经不在名册里了）。
// 连接不在名册时是显式的 no-op，返回 ("", false)。
func (d *DocSession) Leave(p Peer) (string, bool) {
	d.mu.Lock()
	sessionID, ok := d.participants[p]
	if !ok {
		d.mu.Unlock()
		return "", false
	}
	delete(d.participants, p)
	delete(d.accounts, sessionID)
	delete(d.states, sessionID)
	d.mu.Unlock()

	log.Printf("doc %s: leave session %s", d.name, sessionID)
	d.broadcast(wire.NewAccountNotifyMessage(sessionID, wire.OpDel, nil), "")
	return sessionID, true
}

// SeedDocument 首写者胜：仅当文档还是空的才安装 value，否则静默忽略（幂等）。
func (d *DocSession) SeedDocument(value *jsonval.Value, sessionID string) {
	if value == nil {
		return
	}
	d.docMu.Lock()
	if !d.document.IsEmptyObject() {
		d.docMu.Unlock()
		return
	}
	d.document = value.Clone()
	revision := d.revision
	d.docMu.Unlock()

	d.publish(events.EventDocSeeded, sessionID, revision, wire.OpAdd, jsonval.Path{}, value)
}

// UpdateAccount 替换名册条目并广播 ADD 通知（排除发送方）；连接未入会则 no-op。
func (d *DocSession) UpdateAccount(p Peer, accountInfo *jsonval.Value) {
	if accountInfo == nil {
		accountInfo = jsonval.NewNull()
	}
	d.mu.Lock()
	sessionID, ok := d.participants[p]
	if !ok {
		d.mu.Unlock()
		return
	}
	d.accounts[sessionID] = accountInfo
	d.mu.Unlock()

	d.broadcast(wire.NewAccountNotifyMessage(sessionID, wire.OpAdd, accountInfo), sessionID)
}

// ReplyRoster 只回给请求方当前完整的账号表
func (d *DocSession) ReplyRoster(p Peer) {
	d.mu.RLock()
	_, ok := d.participants[p]
	all := make(map[string]*jsonval.Value, len(d.accounts))
	for id, info := range d.accounts {
		all[id] = info
	}
	d.mu.RUnlock()
	if !ok {
		return
	}
	if err := p.Send(wire.NewAccountAllMessage(d.name, all)); err != nil {
		log.Printf("doc %s: reply roster failed: %v", d.name, err)
	}
}

// UpdateState 修改发送方自己的临时状态并把增量广播给其他人。
// 不同会话只写各自的子树，所以这里不和其他会话的状态变更互斥；
// 同一连接的变更天然被传输层的按序投递排好了序。
// 失败（路径缺失）静默：不广播。没有版本号语义。
func (d *DocSession) UpdateState(p Peer, op wire.OpType, path jsonval.Path, data *jsonval.Value, revision int64) {
	jop, ok := mutationOp(op)
	if !ok {
		return // MOV 保留值，无语义
	}
	d.mu.RLock()
	sessionID, joined := d.participants[p]
	state := d.states[sessionID]
	d.mu.RUnlock()
	if !joined || state == nil {
		return
	}

	if err := jsonval.Apply(state, path, jop, data); err != nil {
		return
	}
	d.broadcast(wire.NewDataUpdateMessage(sessionID, wire.TargetState, op, revision, path, data), sessionID)
}

// UpdateDocument 在文档临界区内执行：解析结果应用 → 版本号+1 → 广播（排除发送方）。
// 广播必须留在临界区内：每个接收方观察到的 revision 顺序要和提交顺序一致，
// 慢接收方也不能看到乱序。结构性失败不广播、不改版本号；
// 临界区在任何退出路径上都被释放。
func (d *DocSession) UpdateDocument(p Peer, op wire.OpType, path jsonval.Path, data *jsonval.Value) {
	jop, ok := mutationOp(op)
	if !ok {
		return
	}
	d.mu.RLock()
	sessionID, joined := d.participants[p]
	d.mu.RUnlock()
	if !joined {
		// 连接已经半关闭：变更整体丢弃，绝不部分应用
		return
	}

	d.docMu.Lock()
	if err := jsonval.Apply(d.document, path, jop, data); err != nil {
		d.docMu.Unlock()
		return
	}
	d.revision++
	revision := d.revision
	d.broadcast(wire.NewDataUpdateMessage(sessionID, wire.TargetDocument, op, revision, path, data), sessionID)
	d.publish(events.EventDocUpdated, sessionID, revision, op, path, data)
	d.docMu.Unlock()
}

func (d *DocSession) publish(eventType, sessionID string, revision int64, op wire.OpType, path jsonval.Path, data *jsonval.Value) {
	if d.dispatcher == nil {
		return
	}
	d.dispatcher.Publish(events.DocUpdateEvent{
		EventType:    eventType,
		DocumentName: d.name,
		SessionID:    sessionID,
		OperationID:  events.NewOperationID(),
		Revision:     revision,
		OpType:       op.String(),
		TargetKey:    jsonval.DumpPath(path),
		Data:         jsonval.Dump(data),
		AppliedAt:    time.Now(),
	})
}

// mutationOp 把线上 opType 映射到树变更操作；MOV 没有定义语义，丢弃
func mutationOp(op wire.OpType) (jsonval.Op, bool) {
	switch op {
	case wire.OpAdd:
		return jsonval.OpSet, true
	case wire.OpDel:
		return jsonval.OpDelete, true
	}
	return 0, false
}

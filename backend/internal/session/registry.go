package session

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/zettant/realtime-object-sync/backend/internal/auth"
	"github.com/zettant/realtime-object-sync/backend/internal/cache"
	"github.com/zettant/realtime-object-sync/backend/internal/events"
	"github.com/zettant/realtime-object-sync/jsonval"
	"github.com/zettant/realtime-object-sync/wire"
)

const (
	// sessionId 取模回绕；在仍然连着的参与者之间保持唯一
	sessionIDModulo = 10_000_000

	presenceTTL        = 600 * time.Second
	presenceCallBudget = 2 * time.Second
)

// Registry 是进程范围的会话目录：文档名 → DocSession，连接 → 文档名。
// 刻意做成显式对象而不是包级全局，测试里可以并排跑多个互不干扰的实例。
type Registry struct {
	verifier   *auth.Verifier
	presence   cache.PresenceCache // 可为 nil
	dispatcher *events.Dispatcher  // 可为 nil

	mu            sync.Mutex
	sessions      map[string]*DocSession
	peerDocs      map[Peer]string
	nextSessionID int64
}

func NewRegistry(verifier *auth.Verifier, presence cache.PresenceCache, dispatcher *events.Dispatcher) *Registry {
	return &Registry{
		verifier:      verifier,
		presence:      presence,
		dispatcher:    dispatcher,
		sessions:      make(map[string]*DocSession),
		peerDocs:      make(map[Peer]string),
		nextSessionID: 1,
	}
}

// Dispatch 把一帧入站消息路由到对应的 DocSession 操作。
// 无法识别或格式损坏的帧直接忽略，连接保持打开。
func (r *Registry) Dispatch(p Peer, frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		log.Printf("drop malformed frame: %v", err)
		return
	}

	switch msg.MsgType {
	case wire.MsgOpen:
		if msg.Open == nil {
			return
		}
		if !r.verifyAndJoin(p, msg.Open) {
			_ = p.Send(wire.NewCloseMessage(wire.CloseReasonAuthFailed))
			r.Disconnect(p)
			p.Terminate()
		}

	case wire.MsgClose:
		r.Disconnect(p)

	case wire.MsgRequest:
		if msg.Request == nil || msg.Request.Type != wire.ReqAllAccount {
			return
		}
		if ds := r.sessionOf(p); ds != nil {
			ds.ReplyRoster(p)
		}

	case wire.MsgAccountUpdate:
		if msg.AccountUpdate == nil {
			return
		}
		if ds := r.sessionOf(p); ds != nil {
			info, _ := jsonval.Parse(msg.AccountUpdate.AccountInfo)
			ds.UpdateAccount(p, info)
			r.refreshPresence(ds, p, msg.AccountUpdate.AccountInfo)
		}

	case wire.MsgDocumentUpload:
		if msg.Doc == nil {
			return
		}
		ds := r.sessionOf(p)
		if ds == nil {
			return
		}
		data, err := jsonval.Parse(msg.Doc.Data)
		if err != nil {
			return
		}
		ds.SeedDocument(data, r.sessionIDOf(ds, p))

	case wire.MsgDataUpdate:
		if msg.Data == nil {
			return
		}
		r.dispatchDataUpdate(p, msg.Data)

	default:
		// 未知类型忽略，连接不受影响
	}
}

func (r *Registry) dispatchDataUpdate(p Peer, payload *wire.DataUpdatePayload) {
	ds := r.sessionOf(p)
	if ds == nil {
		return
	}
	path, err := jsonval.ParsePath(payload.TargetKey)
	if err != nil {
		return
	}
	var data *jsonval.Value
	if payload.Data != "" {
		if data, err = jsonval.Parse(payload.Data); err != nil {
			return
		}
	}

	switch payload.Target {
	case wire.TargetState:
		ds.UpdateState(p, payload.OpType, path, data, payload.Revision)
	case wire.TargetDocument:
		ds.UpdateDocument(p, payload.OpType, path, data)
	}
}

// verifyAndJoin 校验令牌并完成入会/换会。
// 一个连接同时至多属于一个文档：已入会时再 OPEN 同名文档是 no-op，
// OPEN 别的文档先从旧文档移除（旧会话空了就地销毁）。
func (r *Registry) verifyAndJoin(p Peer, open *wire.OpenPayload) bool {
	claims, err := r.verifier.Verify(open.Token)
	if err != nil {
		log.Printf("open rejected: %v", err)
		return false
	}
	accountInfo, err := jsonval.Parse(open.AccountInfo)
	if err != nil {
		accountInfo = jsonval.NewNull()
	}

	r.mu.Lock()
	if cur, ok := r.peerDocs[p]; ok {
		if cur == claims.DocumentName {
			r.mu.Unlock()
			return true // no change
		}
		r.leaveLocked(p, cur)
	}

	sessionID := strconv.FormatInt(r.nextSessionID, 10)
	r.nextSessionID = (r.nextSessionID + 1) % sessionIDModulo

	ds := r.sessions[claims.DocumentName]
	if ds == nil {
		ds = newDocSession(claims.DocumentName, r.dispatcher)
		r.sessions[claims.DocumentName] = ds
	}
	r.peerDocs[p] = claims.DocumentName
	r.mu.Unlock()

	ds.Join(p, sessionID, accountInfo)
	r.refreshPresence(ds, p, open.AccountInfo)
	return true
}

// Disconnect 是 CLOSE 消息、传输错误和保活超时共用的清理路径。
// 幂等：对已移除的连接调用是 no-op。
func (r *Registry) Disconnect(p Peer) {
	r.mu.Lock()
	name, ok := r.peerDocs[p]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.leaveLocked(p, name)
	r.mu.Unlock()
}

// leaveLocked 调用方必须持有 r.mu
func (r *Registry) leaveLocked(p Peer, name string) {
	delete(r.peerDocs, p)
	ds := r.sessions[name]
	if ds == nil {
		return
	}
	sessionID, ok := ds.Leave(p)
	if !ok {
		return
	}
	if ds.Count() == 0 {
		// 参与者归零即销毁：文档、版本号、名册、临时状态全部随之消失
		delete(r.sessions, name)
		log.Printf("doc %s: destroyed (no participants)", name)
		r.dropPresenceDocument(name)
		return
	}
	r.dropPresenceMember(name, sessionID)
}

// SessionCount 当前存活的文档会话数（观测用）
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) sessionOf(p Peer) *DocSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.peerDocs[p]
	if !ok {
		return nil
	}
	return r.sessions[name]
}

func (r *Registry) sessionIDOf(ds *DocSession, p Peer) string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.participants[p]
}

// Touch 由保活路径（pong）调用：重写 presence 镜像里该成员的逻辑 TTL，
// 空闲但连接健在的参与者不会从镜像里过期消失。
// 连接未入会或没有配置 presence 时是 no-op。
func (r *Registry) Touch(p Peer) {
	if r.presence == nil {
		return
	}
	ds := r.sessionOf(p)
	if ds == nil {
		return
	}
	ds.mu.RLock()
	sessionID := ds.participants[p]
	info := ds.accounts[sessionID]
	ds.mu.RUnlock()
	if sessionID == "" {
		return
	}
	r.refreshPresence(ds, p, jsonval.Dump(info))
}

// 下面是 presence 镜像的旁路写入：失败只记日志，绝不影响服务路径

func (r *Registry) refreshPresence(ds *DocSession, p Peer, accountInfo string) {
	if r.presence == nil {
		return
	}
	sessionID := r.sessionIDOf(ds, p)
	if sessionID == "" {
		return
	}
	name := ds.name
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceCallBudget)
		defer cancel()
		if err := r.presence.AddMember(ctx, name, sessionID, accountInfo, presenceTTL); err != nil {
			log.Printf("presence add member failed: %v", err)
		}
	}()
}

func (r *Registry) dropPresenceMember(name, sessionID string) {
	if r.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceCallBudget)
		defer cancel()
		if err := r.presence.RemoveMember(ctx, name, sessionID); err != nil {
			log.Printf("presence remove member failed: %v", err)
		}
	}()
}

func (r *Registry) dropPresenceDocument(name string) {
	if r.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceCallBudget)
		defer cancel()
		if err := r.presence.RemoveDocument(ctx, name); err != nil {
			log.Printf("presence remove document failed: %v", err)
		}
	}()
}

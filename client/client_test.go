package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zettant/realtime-object-sync/jsonval"
	"github.com/zettant/realtime-object-sync/wire"
)

// 内存传输：Send 的消息解码后进 sentCh，push 模拟服务端下行
type fakeTransport struct {
	mu       sync.Mutex
	h        Handlers
	sentCh   chan *wire.Message
	failSend bool
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sentCh: make(chan *wire.Message, 64)}
}

func (f *fakeTransport) dial(_ context.Context, _ string, h Handlers) (Transport, error) {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
	return f, nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	fail := f.failSend
	f.mu.Unlock()
	if fail {
		return errors.New("write failed")
	}
	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	f.sentCh <- msg
	return nil
}

func (f *fakeTransport) setFailSend(v bool) {
	f.mu.Lock()
	f.failSend = v
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) push(msg *wire.Message) {
	b, _ := wire.Encode(msg)
	f.mu.Lock()
	h := f.h
	f.mu.Unlock()
	h.OnMessage(b)
}

func (f *fakeTransport) closeRemote(err error) {
	f.mu.Lock()
	h := f.h
	f.mu.Unlock()
	h.OnClose(err)
}

func mustVal(t *testing.T, s string) *jsonval.Value {
	t.Helper()
	v, err := jsonval.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func nextSent(t *testing.T, f *fakeTransport) *wire.Message {
	t.Helper()
	select {
	case m := <-f.sentCh:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message sent")
	}
	return nil
}

func noSent(t *testing.T, f *fakeTransport) {
	t.Helper()
	select {
	case m := <-f.sentCh:
		t.Fatalf("unexpected outbound message %s", m.MsgType)
	case <-time.After(50 * time.Millisecond):
	}
}

// openWith 跑完整握手：等客户端发出 OPEN 后回 reply
func openWith(t *testing.T, c *SyncClient, f *fakeTransport, reply *wire.Message, initial *jsonval.Value) error {
	t.Helper()
	account := mustVal(t, `{"name":"alice"}`)
	done := make(chan error, 1)
	go func() {
		done <- c.Open(context.Background(), "ws://test/sync/ws", "token", account, initial)
	}()
	m := nextSent(t, f)
	if m.MsgType != wire.MsgOpen {
		t.Fatalf("first outbound = %s, want OPEN", m.MsgType)
	}
	f.push(reply)
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("Open did not return")
	}
	return nil
}

func connectedOnly(t *testing.T, c *SyncClient, f *fakeTransport) {
	t.Helper()
	if err := openWith(t, c, f, wire.NewConnectedMessage("1", nil, 0), nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

func TestOpenHandshake(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	connectedOnly(t, c, f)

	if got := c.SessionID(); got != "1" {
		t.Fatalf("sessionID = %q, want 1", got)
	}
	// 没有快照也没有 initialData，不该有上传
	noSent(t, f)
}

func TestOpenHydratesFromSnapshot(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	reply := wire.NewConnectedMessage("2", mustVal(t, `{"info1":100,"info2":["a","b","c"]}`), 5)
	if err := openWith(t, c, f, reply, nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if got := c.Revision(); got != 5 {
		t.Fatalf("revision = %d, want 5", got)
	}
	v, ok := c.Document().GetNodeAt(jsonval.Path{"info1"})
	if !ok || v.NumberVal() != 100 {
		t.Fatal("snapshot not installed in mirror")
	}
	noSent(t, f)
}

func TestOpenUploadsInitialData(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	initial := mustVal(t, `{"info1":100}`)
	if err := openWith(t, c, f, wire.NewConnectedMessage("1", nil, 0), initial); err != nil {
		t.Fatalf("Open: %v", err)
	}

	m := nextSent(t, f)
	if m.MsgType != wire.MsgDocumentUpload || m.Doc == nil {
		t.Fatalf("expected DOCUMENT_UPLOAD, got %s", m.MsgType)
	}
	uploaded := mustVal(t, m.Doc.Data)
	if !jsonval.Equal(uploaded, initial) {
		t.Fatalf("uploaded %s", m.Doc.Data)
	}
	// 本地种子先落镜像
	if _, ok := c.Document().GetNodeAt(jsonval.Path{"info1"}); !ok {
		t.Fatal("local seed not installed")
	}
}

func TestOpenRejected(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	err := openWith(t, c, f, wire.NewCloseMessage(wire.CloseReasonAuthFailed), nil)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if !closed {
		t.Fatal("transport should be closed after rejection")
	}

	// 被拒绝后同一个客户端可以直接重试
	connectedOnly(t, c, f)
	if got := c.SessionID(); got != "1" {
		t.Fatalf("sessionID after retry = %q, want 1", got)
	}
}

// 发 OPEN 失败后状态要回滚，重试不能撞上 ErrAlreadyOpen
func TestOpenRetryAfterSendFailure(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	f.setFailSend(true)

	err := c.Open(context.Background(), "ws://test", "token", mustVal(t, `{"name":"alice"}`), nil)
	if err == nil {
		t.Fatal("Open should fail when the transport cannot send")
	}
	if errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("first Open returned %v", err)
	}

	f.setFailSend(false)
	connectedOnly(t, c, f)
	if got := c.SessionID(); got != "1" {
		t.Fatalf("sessionID after retry = %q, want 1", got)
	}
}

func TestStateUpdates(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	connectedOnly(t, c, f)

	if err := c.SetState("color", jsonval.NewString("blue")); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	m := nextSent(t, f)
	if m.MsgType != wire.MsgDataUpdate || m.Data.Target != wire.TargetState || m.Data.OpType != wire.OpAdd {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.Data.TargetKey != `["color"]` {
		t.Fatalf("targetKey = %s", m.Data.TargetKey)
	}
	if v, ok := c.State().Field("color"); !ok || v.StringVal() != "blue" {
		t.Fatal("local state not updated")
	}

	if err := c.DelState("color"); err != nil {
		t.Fatalf("DelState: %v", err)
	}
	m = nextSent(t, f)
	if m.Data.OpType != wire.OpDel {
		t.Fatalf("opType = %v, want DEL", m.Data.OpType)
	}
	if _, ok := c.State().Field("color"); ok {
		t.Fatal("local state key should be removed")
	}

	// MOV 是保留操作：照发，本地按约定移除
	_ = c.SetState("cursor", jsonval.NewNumber(3))
	_ = nextSent(t, f)
	if err := c.MoveState("cursor", jsonval.NewNumber(4)); err != nil {
		t.Fatalf("MoveState: %v", err)
	}
	m = nextSent(t, f)
	if m.Data.OpType != wire.OpMov {
		t.Fatalf("opType = %v, want MOV", m.Data.OpType)
	}
	if _, ok := c.State().Field("cursor"); ok {
		t.Fatal("MOV should remove the local key")
	}
}

func TestSetAccount(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	connectedOnly(t, c, f)

	info := mustVal(t, `{"name":"bob"}`)
	if err := c.SetAccount(info); err != nil {
		t.Fatalf("SetAccount: %v", err)
	}
	m := nextSent(t, f)
	if m.MsgType != wire.MsgAccountUpdate {
		t.Fatalf("msgType = %s", m.MsgType)
	}
	if !jsonval.Equal(c.Account(), info) {
		t.Fatal("local account not replaced")
	}
}

func TestAccountListener(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	connectedOnly(t, c, f)

	type notice struct {
		sessionID string
		op        wire.OpType
		info      *jsonval.Value
	}
	got := make(chan notice, 4)
	id := c.AddAccountListener(func(sessionID string, op wire.OpType, info *jsonval.Value) {
		got <- notice{sessionID, op, info}
	})

	f.push(wire.NewAccountNotifyMessage("9", wire.OpAdd, mustVal(t, `{"name":"carol"}`)))
	n := <-got
	if n.sessionID != "9" || n.op != wire.OpAdd || n.info == nil {
		t.Fatalf("notice = %+v", n)
	}

	// 离开通知不带账号信息，info 应为 nil
	f.push(wire.NewAccountNotifyMessage("9", wire.OpDel, nil))
	n = <-got
	if n.op != wire.OpDel || n.info != nil {
		t.Fatalf("notice = %+v", n)
	}

	c.RemoveAccountListener(id)
	f.push(wire.NewAccountNotifyMessage("9", wire.OpAdd, nil))
	select {
	case <-got:
		t.Fatal("removed listener still called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStateListener(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	connectedOnly(t, c, f)

	got := make(chan string, 1)
	c.AddStateListener(func(sessionID string, op wire.OpType, path jsonval.Path, data *jsonval.Value) {
		got <- sessionID + "/" + jsonval.DumpPath(path) + "/" + jsonval.Dump(data)
	})

	f.push(wire.NewDataUpdateMessage("2", wire.TargetState, wire.OpAdd, 0,
		jsonval.Path{"pointer"}, mustVal(t, `[10,20]`)))
	if s := <-got; s != `2/["pointer"]/[10,20]` {
		t.Fatalf("listener got %s", s)
	}
}

func TestGetAllAccounts(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	connectedOnly(t, c, f)

	type result struct {
		accounts map[string]*jsonval.Value
		err      error
	}
	done := make(chan result, 1)
	go func() {
		a, err := c.GetAllAccounts(context.Background())
		done <- result{a, err}
	}()

	m := nextSent(t, f)
	if m.MsgType != wire.MsgRequest || m.Request.Type != wire.ReqAllAccount {
		t.Fatalf("expected REQUEST(ALL_ACCOUNT), got %+v", m)
	}
	f.push(wire.NewAccountAllMessage("testDoc1", map[string]*jsonval.Value{
		"1": mustVal(t, `{"name":"alice"}`),
		"2": mustVal(t, `{"name":"bob"}`),
	}))

	r := <-done
	if r.err != nil {
		t.Fatalf("GetAllAccounts: %v", r.err)
	}
	if len(r.accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(r.accounts))
	}
}

func TestDocumentEditGoesOut(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	reply := wire.NewConnectedMessage("3", mustVal(t, `{"shapes":{}}`), 1)
	if err := openWith(t, c, f, reply, nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	top := c.Document().MakeTopLevel("shapes", 2, nil)
	if _, err := c.Document().AddChildNode(top, "rect1", mustVal(t, `{"x":1}`), false); err != nil {
		t.Fatalf("AddChildNode: %v", err)
	}

	m := nextSent(t, f)
	if m.MsgType != wire.MsgDataUpdate || m.Data.Target != wire.TargetDocument {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.Data.SessionID != "3" {
		t.Fatalf("sessionID = %s, want 3", m.Data.SessionID)
	}
	if m.Data.TargetKey != `["shapes","rect1"]` {
		t.Fatalf("targetKey = %s", m.Data.TargetKey)
	}
}

func TestInboundDocumentRouted(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	reply := wire.NewConnectedMessage("1", mustVal(t, `{"shapes":{}}`), 1)
	if err := openWith(t, c, f, reply, nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	applied := make(chan struct{}, 1)
	c.Document().MakeTopLevel("shapes", 2, func(sessionID string, op wire.OpType, path jsonval.Path, data *jsonval.Value) {
		if err := c.Document().ApplyAt(path, op, data); err != nil {
			t.Errorf("ApplyAt: %v", err)
		}
		applied <- struct{}{}
	})

	f.push(wire.NewDataUpdateMessage("2", wire.TargetDocument, wire.OpAdd, 2,
		jsonval.Path{"shapes", "rect9"}, mustVal(t, `{"x":7}`)))
	<-applied

	if v, ok := c.Document().GetNodeAt(jsonval.Path{"shapes", "rect9", "x"}); !ok || v.NumberVal() != 7 {
		t.Fatal("inbound delta not applied")
	}
	if got := c.Revision(); got != 2 {
		t.Fatalf("revision = %d, want 2", got)
	}
}

func TestPreConnectQueueNotReplayed(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	account := mustVal(t, `{"name":"alice"}`)

	done := make(chan error, 1)
	go func() {
		done <- c.Open(context.Background(), "ws://test", "token", account, nil)
	}()
	if m := nextSent(t, f); m.MsgType != wire.MsgOpen {
		t.Fatalf("first outbound = %s", m.MsgType)
	}

	// 握手完成前到达的文档增量：入队，不分发也不回放
	f.push(wire.NewDataUpdateMessage("2", wire.TargetDocument, wire.OpAdd, 1,
		jsonval.Path{"shapes", "early"}, mustVal(t, `1`)))
	f.push(wire.NewConnectedMessage("1", nil, 0))
	if err := <-done; err != nil {
		t.Fatalf("Open: %v", err)
	}

	pending := c.DrainPending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Data.TargetKey != `["shapes","early"]` {
		t.Fatalf("pending targetKey = %s", pending[0].Data.TargetKey)
	}
	if len(c.DrainPending()) != 0 {
		t.Fatal("drain should clear the queue")
	}
}

func TestCloseAndDisconnect(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	connectedOnly(t, c, f)

	c.Close()
	m := nextSent(t, f)
	if m.MsgType != wire.MsgClose || m.Close.Reason != wire.CloseReasonVoluntary {
		t.Fatalf("unexpected message %+v", m)
	}
	if got := c.SessionID(); got != "" {
		t.Fatalf("sessionID = %q, want empty", got)
	}

	c.Disconnect()
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if !closed {
		t.Fatal("transport should be closed")
	}
}

func TestTransportCloseNotifiesListeners(t *testing.T) {
	f := newFakeTransport()
	c := NewWithDialer(f.dial)
	connectedOnly(t, c, f)

	closedCh := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	c.AddCloseListener(func() { closedCh <- struct{}{} })
	c.AddErrorListener(func(err error) { errCh <- err })

	f.closeRemote(errors.New("broken pipe"))
	select {
	case <-closedCh:
	case <-time.After(time.Second):
		t.Fatal("close listener not called")
	}
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("error listener not called")
	}
}

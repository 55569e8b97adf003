// Package mirror 在客户端维护共享文档的本地影子树。
// 只有应用声明"跟踪"的节点才挂同步元数据；超过配置深度的子树
// 视为不透明叶子，整体替换，不再拆成更细的增量。
package mirror

import (
	"errors"
	"sync"

	"github.com/zettant/realtime-object-sync/jsonval"
	"github.com/zettant/realtime-object-sync/wire"
)

// DefaultAutoDepth 顶层键未显式指定深度时的默认元数据层数
const DefaultAutoDepth = 3

// UnboundedDepth 作为深度参数时表示不设上限，逐层全部挂元数据
const UnboundedDepth = -1

// NodeID 是扁平节点表的键。节点不再互相持有指针，
// 父子关系全部通过 id 引用，路径随节点缓存。
type NodeID int64

// RootID 固定指向文档根
const RootID NodeID = 0

// NoNode 表示"没有对应节点"（比如写入了未跟踪的子树）
const NoNode NodeID = -1

var ErrNoNode = errors.New("mirror: node not found")

// DeltaHandler 处理入站的文档增量。把远端值写回本地树是 handler
// 自己的责任（通常调用 ApplyAt），这样应用可以决定本地已改动的
// 子树要不要接受远端覆盖。
type DeltaHandler func(sessionID string, op wire.OpType, path jsonval.Path, data *jsonval.Value)

// Sink 接收本地编辑产生的出站增量
type Sink func(op wire.OpType, path jsonval.Path, data *jsonval.Value)

type node struct {
	id       NodeID
	parent   NodeID
	name     string
	depth    int    // 距所属顶层键的层数，顶层键本身为 0
	topKey   string // 所属顶层键，根节点为空
	path     jsonval.Path
	children map[string]NodeID
}

// Mirror 持有影子树和节点表。所有方法都可以并发调用。
type Mirror struct {
	mu        sync.RWMutex
	doc       *jsonval.Value
	nodes     map[NodeID]*node
	nextID    NodeID
	autoDepth map[string]int
	handlers  map[string]DeltaHandler
	sink      Sink
}

func New(sink Sink) *Mirror {
	m := &Mirror{
		doc:       jsonval.NewObject(),
		nodes:     make(map[NodeID]*node),
		nextID:    RootID + 1,
		autoDepth: make(map[string]int),
		handlers:  make(map[string]DeltaHandler),
		sink:      sink,
	}
	m.nodes[RootID] = &node{
		id:       RootID,
		parent:   RootID,
		name:     "",
		depth:    -1, // 让顶层键的 depth 落在 0
		path:     jsonval.Path{},
		children: make(map[string]NodeID),
	}
	return m
}

// SetDocument 整树安装原始数据，不挂任何元数据。
// 之后用 MakeTopLevel 逐个声明要跟踪的顶层键。
func (m *Mirror) SetDocument(v *jsonval.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v == nil {
		v = jsonval.NewObject()
	}
	m.doc = v.Clone()
	// 旧的节点表全部作废，只留根
	root := m.nodes[RootID]
	root.children = make(map[string]NodeID)
	m.nodes = map[NodeID]*node{RootID: root}
	m.nextID = RootID + 1
}

// Document 返回影子树的深拷贝
func (m *Mirror) Document() *jsonval.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Clone()
}

// MakeTopLevel 把 key 标成跟踪根：为其挂节点，递归到 depth 层为止
// 给对象子节点挂元数据，并注册该键的入站增量 handler。
// depth 传 UnboundedDepth 表示不限层数。
func (m *Mirror) MakeTopLevel(key string, depth int, h DeltaHandler) NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoDepth[key] = depth
	if h != nil {
		m.handlers[key] = h
	}
	top := m.ensureChildLocked(m.nodes[RootID], key)
	if v, ok := jsonval.Get(m.doc, top.path); ok {
		m.attachRecursiveLocked(top, v)
	}
	return top.id
}

// RemoveTopLevel 取消一个顶层键的跟踪与 handler
func (m *Mirror) RemoveTopLevel(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, key)
	delete(m.autoDepth, key)
	root := m.nodes[RootID]
	if id, ok := root.children[key]; ok {
		m.dropSubtreeLocked(id)
		delete(root.children, key)
	}
}

// AddChildNode 在 parent 下写入 key=value：先改本地树；若 parent 在
// 其顶层键的深度范围内且 value 是对象，则给新子树挂元数据；
// 除非 noSync，再按缓存路径向外发一条 ADD 增量。
func (m *Mirror) AddChildNode(parent NodeID, key string, value *jsonval.Value, noSync bool) (NodeID, error) {
	m.mu.Lock()
	p, ok := m.nodes[parent]
	if !ok {
		m.mu.Unlock()
		return NoNode, ErrNoNode
	}
	childPath := append(p.path.Clone(), jsonval.Key(key))
	if err := jsonval.Apply(m.doc, childPath, jsonval.OpSet, value); err != nil {
		m.mu.Unlock()
		return NoNode, err
	}
	// 节点表项就是同步元数据：深度之外的子树保持不透明，不建节点
	id := NoNode
	topKey := p.topKey
	if p.id == RootID {
		topKey = key
	}
	if m.withinDepthLocked(topKey, p.depth+1) {
		c := m.ensureChildLocked(p, key)
		m.attachRecursiveLocked(c, value)
		id = c.id
	}
	sink := m.sink
	m.mu.Unlock()

	if !noSync && sink != nil {
		sink(wire.OpAdd, childPath, value)
	}
	return id, nil
}

// RemoveChildNode 删除 parent 下的 key：本地树和元数据一起摘掉，
// 除非 noSync，向外发 DEL 增量。
func (m *Mirror) RemoveChildNode(parent NodeID, key string, noSync bool) error {
	m.mu.Lock()
	p, ok := m.nodes[parent]
	if !ok {
		m.mu.Unlock()
		return ErrNoNode
	}
	childPath := append(p.path.Clone(), jsonval.Key(key))
	if err := jsonval.Apply(m.doc, childPath, jsonval.OpDelete, nil); err != nil {
		m.mu.Unlock()
		return err
	}
	if id, ok := p.children[key]; ok {
		m.dropSubtreeLocked(id)
		delete(p.children, key)
	}
	sink := m.sink
	m.mu.Unlock()

	if !noSync && sink != nil {
		sink(wire.OpDel, childPath, nil)
	}
	return nil
}

// GetNodeAt 按路径做原始遍历取值，不依赖元数据
func (m *Mirror) GetNodeAt(p jsonval.Path) (*jsonval.Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := jsonval.Get(m.doc, p)
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// ApplyAt 直接改本地树，不发增量也不动元数据。
// 入站 handler 用它把远端值落地。
func (m *Mirror) ApplyAt(p jsonval.Path, op wire.OpType, data *jsonval.Value) error {
	var jop jsonval.Op
	switch op {
	case wire.OpAdd:
		jop = jsonval.OpSet
	case wire.OpDel:
		jop = jsonval.OpDelete
	default:
		return jsonval.ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return jsonval.Apply(m.doc, p, jop, data)
}

// Route 按路径首段找注册的 handler 并调用；没有 handler 返回 false
func (m *Mirror) Route(sessionID string, op wire.OpType, p jsonval.Path, data *jsonval.Value) bool {
	if len(p) == 0 {
		return false
	}
	m.mu.RLock()
	h := m.handlers[string(p[0])]
	m.mu.RUnlock()
	if h == nil {
		return false
	}
	h(sessionID, op, p, data)
	return true
}

// Lookup 沿节点表找路径对应的节点 id。只有挂了元数据的节点可达。
func (m *Mirror) Lookup(p jsonval.Path) (NodeID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.nodes[RootID]
	for _, k := range p {
		id, ok := n.children[string(k)]
		if !ok {
			return NoNode, false
		}
		n = m.nodes[id]
	}
	return n.id, true
}

// PathOf 返回节点缓存的绝对路径
func (m *Mirror) PathOf(id NodeID) (jsonval.Path, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, false
	}
	return n.path.Clone(), true
}

// ParentOf 返回父节点 id；根节点的父是它自己
func (m *Mirror) ParentOf(id NodeID) (NodeID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return NoNode, false
	}
	return n.parent, true
}

// NodeCount 返回节点表大小（含根），测试用
func (m *Mirror) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

func (m *Mirror) withinDepthLocked(topKey string, depth int) bool {
	limit, ok := m.autoDepth[topKey]
	if !ok {
		return false
	}
	if limit == UnboundedDepth {
		return true
	}
	if limit < 0 {
		limit = DefaultAutoDepth
	}
	return depth <= limit
}

// ensureChildLocked 取或建 parent 下名为 key 的节点，路径一并缓存
func (m *Mirror) ensureChildLocked(p *node, key string) *node {
	if id, ok := p.children[key]; ok {
		return m.nodes[id]
	}
	c := &node{
		id:       m.nextID,
		parent:   p.id,
		name:     key,
		depth:    p.depth + 1,
		topKey:   p.topKey,
		path:     append(p.path.Clone(), jsonval.Key(key)),
		children: make(map[string]NodeID),
	}
	if p.id == RootID {
		c.topKey = key
	}
	m.nextID++
	m.nodes[c.id] = c
	p.children[key] = c.id
	return c
}

// attachRecursiveLocked 给对象值的子键逐层挂元数据，超深度即止
func (m *Mirror) attachRecursiveLocked(n *node, v *jsonval.Value) {
	if v == nil || !m.withinDepthLocked(n.topKey, n.depth+1) {
		return
	}
	for _, key := range v.Keys() {
		child := m.ensureChildLocked(n, key)
		cv, _ := v.Field(key)
		m.attachRecursiveLocked(child, cv)
	}
}

func (m *Mirror) dropSubtreeLocked(id NodeID) {
	n, ok := m.nodes[id]
	if !ok {
		return
	}
	for _, cid := range n.children {
		m.dropSubtreeLocked(cid)
	}
	delete(m.nodes, id)
}

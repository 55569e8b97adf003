package wire

import (
	"encoding/json"
	"errors"

	"github.com/zettant/realtime-object-sync/jsonval"
)

// 消息信封：按 msgType 判别的联合体，走二进制 WebSocket 帧，JSON 编码。
// 动态内容（账号信息、文档数据、路径）一律以 JSON 字符串内嵌，
// 信封本身保持固定 schema。

type MsgType string

const (
	MsgOpen           MsgType = "OPEN"
	MsgConnected      MsgType = "CONNECTED"
	MsgClose          MsgType = "CLOSE"
	MsgRequest        MsgType = "REQUEST"
	MsgAccountUpdate  MsgType = "ACCOUNT_UPDATE"
	MsgAccountNotify  MsgType = "ACCOUNT_NOTIFY"
	MsgAccountAll     MsgType = "ACCOUNT_ALL"
	MsgDocumentUpload MsgType = "DOCUMENT_UPLOAD"
	MsgDataUpdate     MsgType = "DATA_UPDATE"
)

type OpType int

const (
	OpAdd OpType = iota
	OpDel
	// OpMov 是保留值：协议认识它，但没有定义变更语义，服务端丢弃
	OpMov
)

func (o OpType) String() string {
	switch o {
	case OpAdd:
		return "ADD"
	case OpDel:
		return "DEL"
	case OpMov:
		return "MOV"
	}
	return "UNKNOWN"
}

type Target int

const (
	TargetState Target = iota
	TargetDocument
)

type ReqType int

const (
	ReqAllAccount ReqType = iota
)

// 关闭原因约定
const (
	CloseReasonVoluntary  = 0
	CloseReasonAuthFailed = 1
)

type OpenPayload struct {
	Token       string `json:"token"`
	AccountInfo string `json:"accountInfo"` // JSON 字符串
}

type ConnectedPayload struct {
	SessionID      string `json:"sessionId"`
	HasInitialData bool   `json:"hasInitialData"`
	Data           string `json:"data,omitempty"` // JSON 字符串
	Revision       int64  `json:"revision,omitempty"`
}

type ClosePayload struct {
	Reason int `json:"reason"`
}

type RequestPayload struct {
	Type ReqType `json:"type"`
}

type AccountUpdatePayload struct {
	AccountInfo string `json:"accountInfo"`
}

type AccountNotifyPayload struct {
	SessionID   string `json:"sessionId"`
	OpType      OpType `json:"opType"`
	AccountInfo string `json:"accountInfo,omitempty"`
}

type AccountAllPayload struct {
	DocumentName string `json:"documentName"`
	AllAccounts  string `json:"allAccounts"` // JSON 字符串: sessionId → accountInfo
}

type DocumentUploadPayload struct {
	Data string `json:"data"`
}

type DataUpdatePayload struct {
	SessionID string `json:"sessionId"`
	Target    Target `json:"target"`
	OpType    OpType `json:"opType"`
	Revision  int64  `json:"revision"`
	TargetKey string `json:"targetKey"`      // JSON 数组字符串
	Data      string `json:"data,omitempty"` // JSON 字符串
}

type Message struct {
	MsgType       MsgType                `json:"msgType"`
	Open          *OpenPayload           `json:"open,omitempty"`
	Connected     *ConnectedPayload      `json:"connected,omitempty"`
	Close         *ClosePayload          `json:"close,omitempty"`
	Request       *RequestPayload        `json:"request,omitempty"`
	AccountUpdate *AccountUpdatePayload  `json:"accountUpdate,omitempty"`
	AccountNotify *AccountNotifyPayload  `json:"accountNotify,omitempty"`
	AccountAll    *AccountAllPayload     `json:"accountAll,omitempty"`
	Doc           *DocumentUploadPayload `json:"doc,omitempty"`
	Data          *DataUpdatePayload     `json:"data,omitempty"`
}

var ErrMalformed = errors.New("wire: malformed message")

func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	if m.MsgType == "" {
		return nil, ErrMalformed
	}
	return m, nil
}

func NewOpenMessage(token string, accountInfo *jsonval.Value) *Message {
	return &Message{
		MsgType: MsgOpen,
		Open:    &OpenPayload{Token: token, AccountInfo: jsonval.Dump(accountInfo)},
	}
}

func NewConnectedMessage(sessionID string, data *jsonval.Value, revision int64) *Message {
	p := &ConnectedPayload{SessionID: sessionID}
	if data != nil {
		p.HasInitialData = true
		p.Data = jsonval.Dump(data)
		p.Revision = revision
	}
	return &Message{MsgType: MsgConnected, Connected: p}
}

func NewCloseMessage(reason int) *Message {
	return &Message{MsgType: MsgClose, Close: &ClosePayload{Reason: reason}}
}

func NewRequestMessage(t ReqType) *Message {
	return &Message{MsgType: MsgRequest, Request: &RequestPayload{Type: t}}
}

func NewAccountUpdateMessage(accountInfo *jsonval.Value) *Message {
	return &Message{
		MsgType:       MsgAccountUpdate,
		AccountUpdate: &AccountUpdatePayload{AccountInfo: jsonval.Dump(accountInfo)},
	}
}

func NewAccountNotifyMessage(sessionID string, op OpType, accountInfo *jsonval.Value) *Message {
	p := &AccountNotifyPayload{SessionID: sessionID, OpType: op}
	if accountInfo != nil {
		p.AccountInfo = jsonval.Dump(accountInfo)
	}
	return &Message{MsgType: MsgAccountNotify, AccountNotify: p}
}

func NewAccountAllMessage(documentName string, allAccounts map[string]*jsonval.Value) *Message {
	all := jsonval.NewObject()
	for id, info := range allAccounts {
		all.SetField(id, info)
	}
	return &Message{
		MsgType:    MsgAccountAll,
		AccountAll: &AccountAllPayload{DocumentName: documentName, AllAccounts: jsonval.Dump(all)},
	}
}

func NewDocumentUploadMessage(data *jsonval.Value) *Message {
	return &Message{MsgType: MsgDocumentUpload, Doc: &DocumentUploadPayload{Data: jsonval.Dump(data)}}
}

func NewDataUpdateMessage(sessionID string, target Target, op OpType, revision int64, path jsonval.Path, data *jsonval.Value) *Message {
	p := &DataUpdatePayload{
		SessionID: sessionID,
		Target:    target,
		OpType:    op,
		Revision:  revision,
		TargetKey: jsonval.DumpPath(path),
	}
	if data != nil {
		p.Data = jsonval.Dump(data)
	}
	return &Message{MsgType: MsgDataUpdate, Data: p}
}

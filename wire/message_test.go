package wire

import (
	"testing"

	"github.com/zettant/realtime-object-sync/jsonval"
)

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{}`)); err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("garbage should not decode")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, _ := jsonval.Parse(`{"x":1}`)
	msg := NewDataUpdateMessage("7", TargetDocument, OpAdd, 3, jsonval.Path{"shapes", "rect1"}, data)

	b, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if got.MsgType != MsgDataUpdate || got.Data == nil {
		t.Fatalf("decoded = %+v", got)
	}
	if got.Data.SessionID != "7" || got.Data.Revision != 3 {
		t.Fatalf("payload = %+v", got.Data)
	}
	// 动态内容保持 JSON 字符串内嵌
	if got.Data.TargetKey != `["shapes","rect1"]` || got.Data.Data != `{"x":1}` {
		t.Fatalf("targetKey/data = %s / %s", got.Data.TargetKey, got.Data.Data)
	}
}

func TestConnectedSnapshotFlag(t *testing.T) {
	m := NewConnectedMessage("1", nil, 0)
	if m.Connected.HasInitialData || m.Connected.Data != "" {
		t.Fatalf("empty document must not carry a snapshot: %+v", m.Connected)
	}

	snap, _ := jsonval.Parse(`{"a":1}`)
	m = NewConnectedMessage("2", snap, 5)
	if !m.Connected.HasInitialData || m.Connected.Revision != 5 {
		t.Fatalf("snapshot CONNECTED = %+v", m.Connected)
	}
}

// Package protocol defines the repository wire protocol: framed msgpack
// messages exchanged over an already authenticated byte stream, a server
// that answers them from a repository and a pipelining client.
package protocol

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/htree"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/repository"
)

// Version is the protocol version spoken by this package.
const Version = 1

// MsgType identifies a frame's payload.
type MsgType byte

// Message types.
const (
	MsgHello   MsgType = 0x01 // Client -> Server: open session
	MsgHelloOK MsgType = 0x02 // Server -> Client: session accepted
	MsgError   MsgType = 0x03 // Server -> Client: request failed
	MsgHangup  MsgType = 0x04 // Client -> Server: close session, no reply

	MsgPut     MsgType = 0x10 // Client -> Server: store a chunk
	MsgPutRef  MsgType = 0x11 // Client -> Server: confirm a chunk is stored
	MsgAck     MsgType = 0x12 // Server -> Client: done
	MsgMissing MsgType = 0x13 // Server -> Client: referenced chunk is gone
	MsgGet     MsgType = 0x14 // Client -> Server: fetch a chunk
	MsgChunk   MsgType = 0x15 // Server -> Client: chunk contents

	MsgBeginSend      MsgType = 0x20
	MsgSendInfo       MsgType = 0x21
	MsgAddItem        MsgType = 0x22
	MsgItemAdded      MsgType = 0x23
	MsgGetItem        MsgType = 0x24
	MsgItemInfo       MsgType = 0x25
	MsgListItems      MsgType = 0x26
	MsgItemOps        MsgType = 0x27
	MsgRemoveItems    MsgType = 0x28
	MsgRestoreRemoved MsgType = 0x29
	MsgCount          MsgType = 0x2a

	MsgBeginGC MsgType = 0x30
	MsgGCBegun MsgType = 0x31
	MsgMark    MsgType = 0x32
	MsgSweep   MsgType = 0x33
	MsgGCDone  MsgType = 0x34

	MsgStats     MsgType = 0x40
	MsgStatsInfo MsgType = 0x41
)

var msgNames = map[MsgType]string{
	MsgHello: "hello", MsgHelloOK: "hello_ok", MsgError: "error", MsgHangup: "hangup",
	MsgPut: "put", MsgPutRef: "put_ref", MsgAck: "ack", MsgMissing: "missing",
	MsgGet: "get", MsgChunk: "chunk",
	MsgBeginSend: "begin_send", MsgSendInfo: "send_info", MsgAddItem: "add_item",
	MsgItemAdded: "item_added", MsgGetItem: "get_item", MsgItemInfo: "item_info",
	MsgListItems: "list_items", MsgItemOps: "item_ops", MsgRemoveItems: "remove_items",
	MsgRestoreRemoved: "restore_removed", MsgCount: "count",
	MsgBeginGC: "begin_gc", MsgGCBegun: "gc_begun", MsgMark: "mark", MsgSweep: "sweep",
	MsgGCDone: "gc_done", MsgStats: "stats", MsgStatsInfo: "stats_info",
}

func (t MsgType) String() string {
	if n, ok := msgNames[t]; ok {
		return n
	}
	return fmt.Sprintf("msg(0x%02x)", byte(t))
}

// Hello opens a session.
type Hello struct {
	Version int   `msgpack:"version"`
	Now     int64 `msgpack:"now"` // Unix seconds, checked for clock skew
}

// HelloOK accepts a session.
type HelloOK struct {
	Version    int       `msgpack:"version"`
	Now        int64     `msgpack:"now"`
	RepoID     uuid.UUID `msgpack:"repo_id"`
	Generation uint64    `msgpack:"generation"`
}

// Error reports a failed request.
type Error struct {
	Class   string `msgpack:"class"`
	Message string `msgpack:"message"`
}

type Put struct {
	Addr address.Address `msgpack:"addr"`
	Data []byte          `msgpack:"data"`
}

type PutRef struct {
	Addr address.Address `msgpack:"addr"`
}

type Get struct {
	Addr address.Address `msgpack:"addr"`
}

type Chunk struct {
	Data []byte `msgpack:"data"`
}

type SendInfo struct {
	Generation uint64 `msgpack:"generation"`
}

type AddItem struct {
	Generation uint64    `msgpack:"generation"`
	Item       item.Item `msgpack:"item"`
}

type ItemAdded struct {
	ID uuid.UUID `msgpack:"id"`
}

type GetItem struct {
	ID uuid.UUID `msgpack:"id"`
}

type ItemInfo struct {
	Item item.Item `msgpack:"item"`
}

type ListItems struct {
	Generation uint64 `msgpack:"generation"`
	AfterSeq   uint64 `msgpack:"after_seq"`
}

type ItemOps struct {
	Generation uint64       `msgpack:"generation"`
	Reset      bool         `msgpack:"reset"`
	Ops        []item.LogOp `msgpack:"ops"`
}

// IDs carries the ids of RemoveItems and RestoreRemoved.
type IDs struct {
	IDs []uuid.UUID `msgpack:"ids"`
}

type Count struct {
	N int `msgpack:"n"`
}

type GCBegun struct {
	Generation uint64       `msgpack:"generation"`
	Roots      []htree.Root `msgpack:"roots"`
}

type Mark struct {
	Generation uint64            `msgpack:"generation"`
	Addrs      []address.Address `msgpack:"addrs"`
}

type Sweep struct {
	Generation uint64 `msgpack:"generation"`
}

type GCDone struct {
	Stats repository.GCStats `msgpack:"stats"`
}

type StatsInfo struct {
	Info repository.Info `msgpack:"info"`
}

// Empty is the payload of messages without fields.
type Empty struct{}

package depth

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"

	"github.com/golang/snappy"

	"matchbook/internal/book"
)

// MsgType distinguishes the two frame classes on the wire.
type MsgType uint8

const (
	MsgSnapshot MsgType = 1
	MsgDelta    MsgType = 2
)

const flagSnappy = 0x01

var (
	ErrCorruptFrame = errors.New("depth: corrupt frame")
	ErrShortFrame   = errors.New("depth: short frame")
)

// Message is one depth update. A delta carries only the levels touched by a
// committed mutation; a level view with Total 0 tells the subscriber to drop
// the price. Seq is the market's depth sequence: subscribers detect gaps and
// resync from a snapshot.
type Message struct {
	Type   MsgType
	Seq    uint64
	Time   time.Time
	Market string
	Bids   []book.LevelView
	Asks   []book.LevelView
}

// Encode renders the frame: a 4-byte length, a CRC over everything after it,
// one flag byte, then the payload, snappy-compressed when compress is set.
func (m *Message) Encode(compress bool) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(byte(m.Type))
	binary.Write(payload, binary.LittleEndian, m.Seq)
	binary.Write(payload, binary.LittleEndian, m.Time.UnixNano())
	payload.WriteByte(byte(len(m.Market)))
	payload.WriteString(m.Market)
	binary.Write(payload, binary.LittleEndian, uint16(len(m.Bids)))
	binary.Write(payload, binary.LittleEndian, uint16(len(m.Asks)))
	for _, side := range [][]book.LevelView{m.Bids, m.Asks} {
		for _, lvl := range side {
			binary.Write(payload, binary.LittleEndian, lvl.Price)
			binary.Write(payload, binary.LittleEndian, lvl.Total)
			binary.Write(payload, binary.LittleEndian, uint32(lvl.Count))
		}
	}

	var flags byte
	body := payload.Bytes()
	if compress {
		flags |= flagSnappy
		body = snappy.Encode(nil, body)
	}

	out := new(bytes.Buffer)
	binary.Write(out, binary.LittleEndian, uint32(1+len(body)))
	crc := crc32.ChecksumIEEE(append([]byte{flags}, body...))
	binary.Write(out, binary.LittleEndian, crc)
	out.WriteByte(flags)
	out.Write(body)
	return out.Bytes()
}

// Decode parses one frame, verifying its CRC and decompressing if flagged.
func Decode(data []byte) (*Message, error) {
	if len(data) < 9 {
		return nil, ErrShortFrame
	}
	length := int(binary.LittleEndian.Uint32(data[0:4]))
	want := binary.LittleEndian.Uint32(data[4:8])
	if len(data) < 8+length || length < 1 {
		return nil, ErrShortFrame
	}
	rest := data[8 : 8+length]
	if crc32.ChecksumIEEE(rest) != want {
		return nil, ErrCorruptFrame
	}

	flags := rest[0]
	body := rest[1:]
	if flags&flagSnappy != 0 {
		var err error
		if body, err = snappy.Decode(nil, body); err != nil {
			return nil, ErrCorruptFrame
		}
	}
	if len(body) < 1+8+8+1 {
		return nil, ErrShortFrame
	}

	m := &Message{Type: MsgType(body[0])}
	m.Seq = binary.LittleEndian.Uint64(body[1:9])
	m.Time = time.Unix(0, int64(binary.LittleEndian.Uint64(body[9:17])))
	mlen := int(body[17])
	body = body[18:]
	if len(body) < mlen+4 {
		return nil, ErrShortFrame
	}
	m.Market = string(body[:mlen])
	body = body[mlen:]
	nBids := int(binary.LittleEndian.Uint16(body[0:2]))
	nAsks := int(binary.LittleEndian.Uint16(body[2:4]))
	body = body[4:]
	if len(body) != (nBids+nAsks)*20 {
		return nil, ErrCorruptFrame
	}
	read := func(n int) []book.LevelView {
		out := make([]book.LevelView, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, book.LevelView{
				Price: int64(binary.LittleEndian.Uint64(body[0:8])),
				Total: int64(binary.LittleEndian.Uint64(body[8:16])),
				Count: int(binary.LittleEndian.Uint32(body[16:20])),
			})
			body = body[20:]
		}
		return out
	}
	m.Bids = read(nBids)
	m.Asks = read(nAsks)
	return m, nil
}

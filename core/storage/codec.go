package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sushant-115/gojowal/core/transaction"
)

// On disk every record is framed as
//
//	| length uint32 LE | crc32c(body) uint32 LE | body |
//
// and the body is a protobuf-wire message with the fields below.
const (
	frameHeaderSize = 8
	maxRecordSize   = 64 << 20

	fieldID       protowire.Number = 1
	fieldClientID protowire.Number = 2
	fieldSeq      protowire.Number = 3
	fieldWriteKey protowire.Number = 4
	fieldReadKey  protowire.Number = 5
	fieldBody     protowire.Number = 6
)

var (
	errCorruptFrame = errors.New("corrupt record frame")
	crcTable        = crc32.MakeTable(crc32.Castagnoli)
)

func encodeRecord(rec transaction.Record) []byte {
	var body []byte
	body = protowire.AppendTag(body, fieldID, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(rec.ID))
	body = protowire.AppendTag(body, fieldClientID, protowire.BytesType)
	body = protowire.AppendString(body, rec.ReqID.ClientID)
	body = protowire.AppendTag(body, fieldSeq, protowire.VarintType)
	body = protowire.AppendVarint(body, rec.ReqID.Seq)
	for _, k := range rec.WriteLockKeys {
		body = protowire.AppendTag(body, fieldWriteKey, protowire.BytesType)
		body = protowire.AppendString(body, k)
	}
	for _, k := range rec.ReadLockKeys {
		body = protowire.AppendTag(body, fieldReadKey, protowire.BytesType)
		body = protowire.AppendString(body, k)
	}
	if len(rec.Body) > 0 {
		body = protowire.AppendTag(body, fieldBody, protowire.BytesType)
		body = protowire.AppendBytes(body, rec.Body)
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], crcOf(body))
	return append(frame, body...)
}

// parseFrameHeader returns the body length and checksum of a frame.
func parseFrameHeader(hdr []byte) (int, uint32, error) {
	n := binary.LittleEndian.Uint32(hdr[0:4])
	if n > maxRecordSize {
		return 0, 0, fmt.Errorf("%w: length %d", errCorruptFrame, n)
	}
	return int(n), binary.LittleEndian.Uint32(hdr[4:8]), nil
}

func decodeBody(body []byte, sum uint32) (transaction.Record, error) {
	var rec transaction.Record
	if crcOf(body) != sum {
		return rec, fmt.Errorf("%w: checksum mismatch", errCorruptFrame)
	}
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return rec, fmt.Errorf("%w: %v", errCorruptFrame, protowire.ParseError(n))
		}
		body = body[n:]

		switch {
		case num == fieldID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return rec, fmt.Errorf("%w: %v", errCorruptFrame, protowire.ParseError(m))
			}
			rec.ID = transaction.ID(v)
			n = m
		case num == fieldSeq && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return rec, fmt.Errorf("%w: %v", errCorruptFrame, protowire.ParseError(m))
			}
			rec.ReqID.Seq = v
			n = m
		case typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(body)
			if m < 0 {
				return rec, fmt.Errorf("%w: %v", errCorruptFrame, protowire.ParseError(m))
			}
			switch num {
			case fieldClientID:
				rec.ReqID.ClientID = string(v)
			case fieldWriteKey:
				rec.WriteLockKeys = append(rec.WriteLockKeys, string(v))
			case fieldReadKey:
				rec.ReadLockKeys = append(rec.ReadLockKeys, string(v))
			case fieldBody:
				rec.Body = append([]byte(nil), v...)
			}
			n = m
		default:
			// Unknown field from a newer writer.
			n = protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return rec, fmt.Errorf("%w: %v", errCorruptFrame, protowire.ParseError(n))
			}
		}
		body = body[n:]
	}
	return rec, nil
}

func crcOf(body []byte) uint32 {
	return crc32.Checksum(body, crcTable)
}

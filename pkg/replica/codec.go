package replica

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"replsync/pkg/types"
)

const recordVersion uint8 = 1

var errCorruptRecord = errors.New("corrupt log record")

const (
	opPut uint8 = iota
	opDelete
)

// encodeRecord writes a log record as
// version(1) | op(1) | timestamp(8) | size(4) | keyLen(4) | key | idLen(2) | id
func encodeRecord(rec types.LogRecord) ([]byte, error) {
	if len(rec.Key) > math.MaxUint32 {
		return nil, fmt.Errorf("key too large: %d", len(rec.Key))
	}
	if len(rec.ID) > math.MaxUint16 {
		return nil, fmt.Errorf("record id too large: %d", len(rec.ID))
	}
	if rec.Size < 0 || rec.Size > math.MaxUint32 {
		return nil, fmt.Errorf("record size out of range: %d", rec.Size)
	}

	var op uint8
	switch rec.Type {
	case types.MutationPut:
		op = opPut
	case types.MutationDelete:
		op = opDelete
	default:
		return nil, fmt.Errorf("unknown mutation type %q", rec.Type)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 20+len(rec.Key)+len(rec.ID)))
	w := bufio.NewWriter(buf)

	fields := []any{
		recordVersion,
		op,
		int64(rec.Timestamp),
		uint32(rec.Size),
		uint32(len(rec.Key)),
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	if _, err := w.WriteString(rec.Key); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(rec.ID))); err != nil {
		return nil, err
	}
	if _, err := w.WriteString(rec.ID); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (types.LogRecord, error) {
	var (
		rec     types.LogRecord
		version uint8
		op      uint8
		ts      int64
		size    uint32
		keyLen  uint32
		idLen   uint16
	)
	r := bytes.NewReader(b)

	for _, f := range []any{&version, &op, &ts, &size, &keyLen} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return rec, fmt.Errorf("%w: %v", errCorruptRecord, err)
		}
	}
	if version != recordVersion {
		return rec, fmt.Errorf("%w: version %d", errCorruptRecord, version)
	}
	if uint64(keyLen) > uint64(r.Len()) {
		return rec, fmt.Errorf("%w: key length %d", errCorruptRecord, keyLen)
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return rec, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
		return rec, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return rec, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}

	switch op {
	case opPut:
		rec.Type = types.MutationPut
	case opDelete:
		rec.Type = types.MutationDelete
	default:
		return rec, fmt.Errorf("%w: op %d", errCorruptRecord, op)
	}
	rec.Key = string(key)
	rec.ID = string(id)
	rec.Timestamp = types.TimestampMs(ts)
	rec.Size = int(size)

	return rec, nil
}

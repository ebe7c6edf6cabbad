package rdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Entry is one string key as written to a snapshot
type Entry struct {
	Key    []byte
	Value  []byte
	Expiry *time.Time
}

// Marshal encodes the entries as a complete RDB file for the given
// database index. A nil or empty entry set yields the minimal snapshot:
// header, EOF opcode and checksum.
func Marshal(dbIndex int, entries []Entry) ([]byte, error) {
	buf := make([]byte, 0, 64+len(entries)*32)
	buf = append(buf, header...)

	if len(entries) > 0 {
		buf = append(buf, opcodeSelectDB)
		buf, _ = appendLength(buf, uint64(dbIndex))

		expires := 0
		for _, e := range entries {
			if e.Expiry != nil {
				expires++
			}
		}

		buf = append(buf, opcodeResizeDB)
		buf, _ = appendLength(buf, uint64(len(entries)))
		buf, _ = appendLength(buf, uint64(expires))

		var err error
		for _, e := range entries {
			if buf, err = appendEntry(buf, e); err != nil {
				return nil, err
			}
		}
	}

	buf = append(buf, opcodeEOF)
	sum := Checksum(0, buf)
	buf = binary.LittleEndian.AppendUint64(buf, sum)

	return buf, nil
}

// appendEntry encodes one key entry: optional expire marker, value-type
// flag, key and value
func appendEntry(buf []byte, e Entry) ([]byte, error) {
	if e.Expiry != nil {
		buf = append(buf, opcodeExpiryMs)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Expiry.UnixMilli()))
	}

	buf = append(buf, typeString)

	var err error
	if buf, err = appendString(buf, e.Key); err != nil {
		return nil, err
	}
	return appendString(buf, e.Value)
}

// appendLength emits the RDB size encoding for n
func appendLength(buf []byte, n uint64) ([]byte, error) {
	switch {
	case n < 1<<6:
		return append(buf, byte(n)), nil
	case n < 1<<14:
		return append(buf, 0x40|byte(n>>8), byte(n)), nil
	case n <= math.MaxUint32:
		buf = append(buf, 0x80)
		return binary.BigEndian.AppendUint32(buf, uint32(n)), nil
	default:
		return nil, fmt.Errorf("length %d exceeds 32-bit size encoding", n)
	}
}

// appendString emits a string, preferring the compact integer encodings
// when the bytes are a canonical ASCII integer
func appendString(buf []byte, data []byte) ([]byte, error) {
	if n, ok := asCanonicalInt(data); ok {
		switch {
		case n >= math.MinInt8 && n <= math.MaxInt8:
			return append(buf, encInt8, byte(int8(n))), nil
		case n >= math.MinInt16 && n <= math.MaxInt16:
			buf = append(buf, encInt16)
			return binary.LittleEndian.AppendUint16(buf, uint16(int16(n))), nil
		case n >= math.MinInt32 && n <= math.MaxInt32:
			buf = append(buf, encInt32)
			return binary.LittleEndian.AppendUint32(buf, uint32(int32(n))), nil
		}
	}

	buf, err := appendLength(buf, uint64(len(data)))
	if err != nil {
		return nil, err
	}
	return append(buf, data...), nil
}

// asCanonicalInt reports whether data is exactly the ASCII decimal
// rendering of an integer, so that integer encoding round-trips to the
// identical bytes
func asCanonicalInt(data []byte) (int64, bool) {
	if len(data) == 0 || len(data) > 20 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false
	}
	if strconv.FormatInt(n, 10) != string(data) {
		return 0, false
	}
	return n, true
}

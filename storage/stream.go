package storage

import (
	"math"
	"time"
)

// XAdd appends an entry to the stream at key, creating the stream when the
// key is absent. The id is assigned according to spec and must be strictly
// greater than the stream's last id; 0-0 is never acceptable.
func (s *MemoryStorage) XAdd(key string, spec IDSpec, fields []FieldPair) (StreamID, error) {
	sh := s.keyShard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	value, exists := sh.data[key]
	if exists && value.IsExpired() {
		delete(sh.data, key)
		exists = false
	}

	var stream *StreamValue
	if exists {
		if value.Type != ValueTypeStream {
			return StreamID{}, ErrWrongType
		}
		stream = value.Data.(*StreamValue)
	} else {
		stream = &StreamValue{}
	}

	id, err := assignStreamID(spec, stream.LastID)
	if err != nil {
		return StreamID{}, err
	}

	entry := StreamEntry{ID: id, Fields: make([]FieldPair, len(fields))}
	for i, f := range fields {
		entry.Fields[i] = FieldPair{
			Field: append([]byte(nil), f.Field...),
			Value: append([]byte(nil), f.Value...),
		}
	}

	stream.Entries = append(stream.Entries, entry)
	stream.LastID = id

	if !exists {
		sh.data[key] = &Value{Type: ValueTypeStream, Data: stream}
	}

	return id, nil
}

// assignStreamID resolves an id spec against the stream's last id. A new
// stream has the 0-0 sentinel as last, so any positive id is accepted.
func assignStreamID(spec IDSpec, last StreamID) (StreamID, error) {
	switch spec.Kind {
	case IDAuto:
		now := uint64(time.Now().UnixMilli())
		if now < last.Ms {
			now = last.Ms
		}
		if now == last.Ms {
			return StreamID{Ms: now, Seq: last.Seq + 1}, nil
		}
		return StreamID{Ms: now, Seq: 0}, nil

	case IDAutoSeq:
		switch {
		case spec.Ms == last.Ms:
			return StreamID{Ms: spec.Ms, Seq: last.Seq + 1}, nil
		case spec.Ms > last.Ms:
			return StreamID{Ms: spec.Ms, Seq: 0}, nil
		default:
			return StreamID{}, ErrStreamIDTooSmall
		}

	default:
		id := StreamID{Ms: spec.Ms, Seq: spec.Seq}
		if id.IsZero() {
			return StreamID{}, ErrStreamIDZero
		}
		if id.Compare(last) <= 0 && !last.IsZero() {
			return StreamID{}, ErrStreamIDTooSmall
		}
		return id, nil
	}
}

// XRange returns the entries of the stream at key with ids in
// [start, end], both inclusive. A missing key yields an empty result.
func (s *MemoryStorage) XRange(key string, start, end StreamID) ([]StreamEntry, error) {
	sh := s.keyShard(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, exists := sh.data[key]
	if !exists || value.IsExpired() {
		return nil, nil
	}

	if value.Type != ValueTypeStream {
		return nil, ErrWrongType
	}

	stream := value.Data.(*StreamValue)

	// Entries are ordered, so scan the contiguous window.
	var out []StreamEntry
	for _, entry := range stream.Entries {
		if entry.ID.Compare(start) < 0 {
			continue
		}
		if entry.ID.Compare(end) > 0 {
			break
		}
		out = append(out, entry)
	}

	return out, nil
}

// XLen returns the number of entries in the stream at key
func (s *MemoryStorage) XLen(key string) (int64, error) {
	sh := s.keyShard(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, exists := sh.data[key]
	if !exists || value.IsExpired() {
		return 0, nil
	}

	if value.Type != ValueTypeStream {
		return 0, ErrWrongType
	}

	return int64(len(value.Data.(*StreamValue).Entries)), nil
}

// MaxStreamID is the largest possible stream id, used as the upper range
// bound for "+"
var MaxStreamID = StreamID{Ms: math.MaxUint64, Seq: math.MaxUint64}

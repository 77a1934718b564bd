package codec

import (
	"bytes"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// timestampExtID is the msgpack built-in timestamp extension that the
// library writes for time.Time.
const timestampExtID = -1

type mapEntry struct {
	key, value []byte
	text       string
	isText     bool
}

// canonicalize rewrites one encoded value so that equal values encode
// identically whatever Go type produced them. Map entries are ordered by
// key, string keys by their text ahead of any other key (which order by
// encoding). msgpack timestamps become Instants.
func canonicalize(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	return canonicalValue(msgpack.NewDecoder(bytes.NewReader(data)))
}

func canonicalValue(dec *msgpack.Decoder) ([]byte, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	switch {
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		return canonicalMap(dec)
	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		return canonicalArray(dec)
	}
	raw, err := dec.DecodeRaw()
	if err != nil {
		return nil, err
	}
	if isTimestamp(raw) {
		return timestampAsInstant(raw)
	}
	return raw, nil
}

func canonicalMap(dec *msgpack.Decoder) ([]byte, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	entries := make([]mapEntry, n)
	for i := range entries {
		e := &entries[i]
		if e.key, err = canonicalValue(dec); err != nil {
			return nil, err
		}
		if e.value, err = canonicalValue(dec); err != nil {
			return nil, err
		}
		if isString(e.key[0]) {
			if err := msgpack.Unmarshal(e.key, &e.text); err != nil {
				return nil, err
			}
			e.isText = true
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.isText && b.isText:
			return a.text < b.text
		case a.isText != b.isText:
			return a.isText
		}
		return bytes.Compare(a.key, b.key) < 0
	})

	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).EncodeMapLen(n); err != nil {
		return nil, err
	}
	for _, e := range entries {
		buf.Write(e.key)
		buf.Write(e.value)
	}
	return buf.Bytes(), nil
}

func canonicalArray(dec *msgpack.Decoder) ([]byte, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).EncodeArrayLen(n); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		elem, err := canonicalValue(dec)
		if err != nil {
			return nil, err
		}
		buf.Write(elem)
	}
	return buf.Bytes(), nil
}

func isString(c byte) bool {
	return msgpcode.IsFixedString(c) || c == msgpcode.Str8 || c == msgpcode.Str16 || c == msgpcode.Str32
}

func isTimestamp(raw []byte) bool {
	switch raw[0] {
	case msgpcode.FixExt4, msgpcode.FixExt8:
		return len(raw) > 1 && int8(raw[1]) == timestampExtID
	case msgpcode.Ext8:
		return len(raw) > 2 && int8(raw[2]) == timestampExtID
	}
	return false
}

func timestampAsInstant(raw []byte) ([]byte, error) {
	var t time.Time
	if err := msgpack.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := (Instant{Time: t}).EncodeMsgpack(msgpack.NewEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

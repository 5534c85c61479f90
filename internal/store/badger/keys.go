package badger

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/haukened/keepsake/internal/domain"
)

// Key prefixes. Store and index names never contain a NUL byte, so the NUL
// separator keeps "seen" from being a prefix of "seenPost".
const (
	versionKey      = "m:version"
	storeMetaPrefix = "m:store:"
	sequencePrefix  = "m:seq:"
	genPrefix       = "m:gen:"
	purgePrefix     = "m:purge:"
	recordPrefix    = "r:"
	indexPrefix     = "i:"
	counterPrefix   = "x:c:"
	summaryPrefix   = "x:s:"
)

const (
	sep       byte = 0x00
	tagInt    byte = 0x01
	tagString byte = 0x02
)

func makeStoreMetaKey(store string) []byte { return []byte(storeMetaPrefix + store) }

func makeSequenceKey(store string) []byte { return []byte(sequencePrefix + store) }

// makeGenKey holds the last namespace generation handed to store. It
// outlives the store so a recreated store never reuses a namespace.
func makeGenKey(store string) []byte { return []byte(genPrefix + store) }

// makePurgeKey marks the namespace ns as garbage awaiting removal.
func makePurgeKey(ns string) []byte { return []byte(purgePrefix + ns) }

// makeRecordPrefix returns the prefix shared by every record of a store
// namespace (see storeMeta.ns).
// Format: r:ns\x00
func makeRecordPrefix(ns string) []byte {
	return append([]byte(recordPrefix+ns), sep)
}

// makeRecordKey generates the key a record is stored under.
// Format: r:ns\x00<key>
func makeRecordKey(ns string, k domain.Key) []byte {
	return appendKey(makeRecordPrefix(ns), k)
}

// makeIndexStorePrefix returns the prefix shared by every index entry of a
// store namespace.
// Format: i:ns\x00
func makeIndexStorePrefix(ns string) []byte {
	return append([]byte(indexPrefix+ns), sep)
}

// makeIndexPrefix returns the prefix shared by the entries of one index.
// Format: i:ns\x00index\x00
func makeIndexPrefix(ns, index string) []byte {
	return append(append(makeIndexStorePrefix(ns), index...), sep)
}

// makeIndexKey generates a composite index entry key. The primary key suffix
// keeps entries with equal values distinct and ordered by primary key.
// Format: i:ns\x00index\x00<value><key>
func makeIndexKey(ns, index string, value, pk domain.Key) []byte {
	return appendKey(appendKey(makeIndexPrefix(ns, index), value), pk)
}

// appendKey appends an order-preserving encoding of k. Integers are a tag and
// the big-endian value with the sign bit flipped; strings are a tag, the bytes
// with NUL escaped as 00 FF, and a 00 01 terminator. The encoding is
// self-delimiting and every integer sorts before every string.
func appendKey(buf []byte, k domain.Key) []byte {
	if n, ok := k.Int(); ok {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n)^(1<<63))
		return append(append(buf, tagInt), b[:]...)
	}
	s, _ := k.Str()
	buf = append(buf, tagString)
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			buf = append(buf, 0x00, 0xFF)
			continue
		}
		buf = append(buf, s[i])
	}
	return append(buf, 0x00, 0x01)
}

// decodeKey reads one encoded key from the front of b and returns the rest.
func decodeKey(b []byte) (domain.Key, []byte, error) {
	if len(b) == 0 {
		return domain.Key{}, nil, fmt.Errorf("%w: empty encoded key", domain.ErrInvalidKey)
	}
	switch b[0] {
	case tagInt:
		if len(b) < 9 {
			return domain.Key{}, nil, fmt.Errorf("%w: short integer key", domain.ErrInvalidKey)
		}
		n := int64(binary.BigEndian.Uint64(b[1:9]) ^ (1 << 63))
		return domain.IntKey(n), b[9:], nil
	case tagString:
		var s bytes.Buffer
		for i := 1; i < len(b); i++ {
			if b[i] != 0x00 {
				s.WriteByte(b[i])
				continue
			}
			if i+1 >= len(b) {
				break
			}
			switch b[i+1] {
			case 0x01:
				return domain.StringKey(s.String()), b[i+2:], nil
			case 0xFF:
				s.WriteByte(0x00)
				i++
			default:
				return domain.Key{}, nil, fmt.Errorf("%w: bad escape in string key", domain.ErrInvalidKey)
			}
		}
		return domain.Key{}, nil, fmt.Errorf("%w: unterminated string key", domain.ErrInvalidKey)
	default:
		return domain.Key{}, nil, fmt.Errorf("%w: unknown key tag %#x", domain.ErrInvalidKey, b[0])
	}
}

func encodeUint64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

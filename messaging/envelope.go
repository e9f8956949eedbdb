package messaging

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Envelope is the unit exchanged on the transport. The Payload is encoded via Codec.
type Envelope struct {
	// ID is globally unique per logical message and doubles as dedup and correlation key.
	ID string
	// Kind discriminates the payload schema (request kind or event name).
	Kind string
	// Payload is the encoded body.
	Payload []byte
	// Metadata carries headers such as reply_to or correlation_id.
	Metadata map[string]string
	// CreatedAt is the production timestamp (from injected clock).
	CreatedAt time.Time
	// Offset is the log position, only set on log deliveries and reads.
	Offset string
}

// Well-known metadata keys.
const (
	MetaReplyTo       = "reply_to"
	MetaCorrelationID = "correlation_id"
	MetaStatus        = "status"
	MetaAggregateID   = "aggregate_id"
	MetaOrigin        = "origin"

	// Set on entries copied to a dead-letter stream.
	MetaOrigStream = "orig_stream"
	MetaOrigOffset = "orig_offset"
	MetaError      = "error"
)

// Meta returns the metadata value for key or "".
func (e *Envelope) Meta(key string) string {
	if e == nil || e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map when needed.
func (e *Envelope) SetMeta(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string, 4)
	}
	e.Metadata[key] = value
}

// PartitionKey is the key log deliveries are ordered by: the aggregate id, or
// the envelope id when none is set.
func (e *Envelope) PartitionKey() string {
	if id := e.Meta(MetaAggregateID); id != "" {
		return id
	}
	return e.ID
}

// Partition maps env onto one of n workers. Envelopes sharing a PartitionKey
// always map to the same worker.
func Partition(env *Envelope, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(env.PartitionKey()) % uint64(n))
}

// Clone returns a copy that shares the payload bytes but not the metadata map.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// CompareOffsets orders two "<ms>-<seq>" offsets. It returns -1, 0 or +1.
// Malformed offsets sort before well-formed ones.
func CompareOffsets(a, b string) int {
	am, as, aok := splitOffset(a)
	bm, bs, bok := splitOffset(b)
	switch {
	case !aok && !bok:
		return strings.Compare(a, b)
	case !aok:
		return -1
	case !bok:
		return 1
	}
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

// FormatOffset renders an offset in the "<ms>-<seq>" form used by the log.
func FormatOffset(ms, seq uint64) string {
	return strconv.FormatUint(ms, 10) + "-" + strconv.FormatUint(seq, 10)
}

func splitOffset(s string) (uint64, uint64, bool) {
	msPart, seqPart, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, false
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}

// NextOffset returns the smallest offset strictly greater than off, for exclusive range reads.
// Malformed input yields "0-0".
func NextOffset(off string) string {
	ms, seq, ok := splitOffset(off)
	if !ok {
		return "0-0"
	}
	if seq == ^uint64(0) {
		return FormatOffset(ms+1, 0)
	}
	return FormatOffset(ms, seq+1)
}

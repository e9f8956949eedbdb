package redisbroker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/51f0x/personal-kanban/messaging"
)

// encodeEnvelope flattens env into Redis field/value pairs.
func encodeEnvelope(env *messaging.Envelope) map[string]any {
	// Pre-size map to reduce rehashing: id, kind, payload, createdAt + metadata
	vals := make(map[string]any, 4+len(env.Metadata))
	vals[fieldID] = env.ID
	vals[fieldKind] = env.Kind
	vals[fieldPayload] = env.Payload
	vals[fieldCreatedAt] = env.CreatedAt.UnixNano()
	for k, v := range env.Metadata {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeEnvelope reconstructs an envelope from stream entry or job hash values.
func decodeEnvelope(vals map[string]string) *messaging.Envelope {
	env := &messaging.Envelope{
		ID:      vals[fieldID],
		Kind:    vals[fieldKind],
		Payload: []byte(vals[fieldPayload]),
	}
	if ns, ok := toInt64(vals[fieldCreatedAt]); ok && ns > 0 {
		env.CreatedAt = time.Unix(0, ns)
	}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			env.SetMeta(strings.TrimPrefix(k, fieldMetaPrefix), v)
		}
	}
	if env.Metadata == nil {
		env.Metadata = make(map[string]string)
	}
	return env
}

// stringValues converts stream entry values to strings.
func stringValues(vals map[string]any) map[string]string {
	out := make(map[string]string, len(vals))
	for k, v := range vals {
		out[k] = asString(v)
	}
	return out
}

// flatten turns a field map into HSET arguments.
func flatten(vals map[string]any) []any {
	args := make([]any, 0, len(vals)*2)
	for k, v := range vals {
		args = append(args, k, v)
	}
	return args
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	// Fall back to float parsing for scientific notation
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f), true
	}
	return 0, false
}

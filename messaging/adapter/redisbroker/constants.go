package redisbroker

// Field constants (avoid typos/allocs)
const (
	fieldID         = "id"
	fieldKind       = "kind"
	fieldPayload    = "payload"   // raw []byte, no base64
	fieldCreatedAt  = "createdAt" // int64 ns
	fieldMetaPrefix = "meta:"

	// Queue job hash only.
	fieldAttempts       = "attempts"
	fieldMaxAttempts    = "max_attempts"
	fieldBackoffInitial = "backoff_initial" // ns
	fieldBackoffMax     = "backoff_max"     // ns
	fieldBackoffMult    = "backoff_mult"
	fieldBackoffJitter  = "backoff_jitter"
	fieldState          = "state"
	fieldLastError      = "last_error"
	fieldFailedAt       = "failed_at" // unix ms
)

// Job states stored in the job hash.
const (
	stateWaiting   = "waiting"
	stateActive    = "active"
	stateCompleted = "completed"
	stateDead      = "dead"
)

package cache

import "time"

// Operation identifies what is being computed. Immutable; built by the
// caller per request.
type Operation struct {
	Kind       string         `json:"kind"`
	Module     string         `json:"module"`
	Input      any            `json:"input"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// RequestContext captures who is asking and why. Supplied per call and never
// persisted on its own; only its fingerprint survives inside entries.
type RequestContext struct {
	SubjectProfile any       `json:"subjectProfile,omitempty"`
	Situation      any       `json:"situation,omitempty"`
	DocumentClass  string    `json:"documentClass"`
	QualityTier    string    `json:"qualityTier"`
	Timestamp      time.Time `json:"timestamp"`
	SessionID      string    `json:"sessionId"`
}

// EntryMeta carries bookkeeping that rides along with a cached payload.
type EntryMeta struct {
	OperationKind string  `json:"operationKind"`
	Module        string  `json:"module"`
	InputSize     int     `json:"inputSize"`
	PayloadSize   int     `json:"payloadSize"`
	QualityScore  float64 `json:"qualityScore,omitempty"`
	// Epoch and Generation are invalidation counters. An entry whose
	// counters lag the store's current values reads as absent.
	Epoch      uint64 `json:"epoch"`
	Generation uint64 `json:"generation"`
}

// Entry is one cached response. The fast tier may hold a copy promoted from
// the durable tier; UseCount and LastAccessedAt mutate on every hit.
type Entry struct {
	Key             string        `json:"key"`
	Payload         []byte        `json:"payload"`
	CreatedAt       time.Time     `json:"createdAt"`
	TTL             time.Duration `json:"ttl"`
	Fingerprint     string        `json:"fingerprint"`
	SimilarityScore float64       `json:"similarityScore"`
	UseCount        int64         `json:"useCount"`
	LastAccessedAt  time.Time     `json:"lastAccessedAt"`
	Meta            EntryMeta     `json:"meta"`
}

// Expired reports whether the entry's TTL has elapsed at now. A TTL of zero
// or below never expires; user-facing policies always validate TTL > 0, so
// only internal bookkeeping records use that escape hatch.
func (e Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Size estimates the entry's footprint against tier budgets. The serialized
// payload length is the dominant term and the one the budget check uses.
func (e Entry) Size() int64 {
	return int64(len(e.Payload))
}

func (e Entry) clone() Entry {
	out := e
	if len(e.Payload) > 0 {
		out.Payload = make([]byte, len(e.Payload))
		copy(out.Payload, e.Payload)
	}
	return out
}

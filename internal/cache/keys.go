package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
)

// KeyDeriver turns operations and request contexts into stable cache
// identifiers. Both derivations are pure functions over serializable inputs:
// no I/O, no wall clock. Semantically identical requests must collide to the
// same key regardless of field ordering in maps, which is why every value is
// JSON-encoded (sorted map keys) and map entries are written in sorted order.
type KeyDeriver struct {
	// Salt is mixed into every exact key so isolated cache instances with
	// overlapping inputs never share entries. May be empty.
	Salt string
}

// DeriveKey computes the exact-match key for an operation plus context. The
// key covers the operation kind, module, a content hash of the input and
// parameters, the context fingerprint, the document class, and the quality
// tier. Unserializable inputs are the caller's bug and fail fast.
func (d KeyDeriver) DeriveKey(op Operation, rctx RequestContext) (string, error) {
	fingerprint, err := d.DeriveFingerprint(rctx)
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(d.Salt))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(op.Kind))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(op.Module))
	_, _ = h.Write([]byte("|"))

	inputDigest, err := contentDigest(op.Input)
	if err != nil {
		return "", fmt.Errorf("cache: derive key: operation input: %w: %w", ErrInvalidInput, err)
	}
	_, _ = h.Write([]byte(inputDigest))
	_, _ = h.Write([]byte("|"))

	if err := writeCanonicalMap(h, op.Parameters); err != nil {
		return "", fmt.Errorf("cache: derive key: operation parameters: %w: %w", ErrInvalidInput, err)
	}
	_, _ = h.Write([]byte("|"))

	_, _ = h.Write([]byte(fingerprint))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(rctx.DocumentClass))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(rctx.QualityTier))

	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// DeriveFingerprint hashes only the subject-identity and session facets of
// the context: subject profile, session id, and situational context. Volatile
// fields (the timestamp) are deliberately excluded so requests from the same
// user and session fingerprint-match even when issued at different times.
func (d KeyDeriver) DeriveFingerprint(rctx RequestContext) (string, error) {
	h := fnv.New64a()

	subject, err := contentDigest(rctx.SubjectProfile)
	if err != nil {
		return "", fmt.Errorf("cache: derive fingerprint: subject profile: %w: %w", ErrInvalidInput, err)
	}
	_, _ = h.Write([]byte(subject))
	_, _ = h.Write([]byte("|"))

	_, _ = h.Write([]byte(rctx.SessionID))
	_, _ = h.Write([]byte("|"))

	situation, err := contentDigest(rctx.Situation)
	if err != nil {
		return "", fmt.Errorf("cache: derive fingerprint: situation: %w: %w", ErrInvalidInput, err)
	}
	_, _ = h.Write([]byte(situation))

	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// contentDigest produces a canonical digest of an arbitrary serializable
// value. json.Marshal emits map keys in sorted order, so two deeply equal
// values always digest identically no matter how their maps were built.
func contentDigest(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	_, _ = h.Write(encoded)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// writeCanonicalMap streams key=jsonValue pairs in sorted key order.
func writeCanonicalMap(h interface{ Write([]byte) (int, error) }, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		encoded, err := json.Marshal(values[key])
		if err != nil {
			return err
		}
		_, _ = h.Write([]byte(key))
		_, _ = h.Write([]byte("="))
		_, _ = h.Write(encoded)
		_, _ = h.Write([]byte("|"))
	}
	return nil
}

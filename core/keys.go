package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrWeakIdempotencyKey signals that the payload could not be normalized and
// the returned key is timestamp salted. Processing proceeds; callers log the
// degradation instead of blocking the event.
var ErrWeakIdempotencyKey = errors.New("core: payload not normalizable, idempotency key is timestamp salted")

// volatileEventFields are stripped before hashing so two deliveries of
// logically identical content hash to the same key even when transport
// metadata differs.
var volatileEventFields = map[string]struct{}{
	"received_at":        {},
	"processed_at":       {},
	"timestamp":          {},
	"delivery_timestamp": {},
}

// GenerateIdempotencyKey returns a deterministic SHA-256 hex digest over a
// canonical JSON serialization of platform, normalized payload, and
// signature. Key generation is pure: a given input always yields the same
// key regardless of field order or volatile-field values.
func GenerateIdempotencyKey(platform Platform, payload []byte, signature string) (string, error) {
	normalized, err := normalizeEventPayload(payload)
	if err != nil {
		return saltedIdempotencyKey(platform, payload, signature, time.Now().UTC()), ErrWeakIdempotencyKey
	}
	canonical, err := json.Marshal(map[string]any{
		"platform":  string(platform),
		"payload":   normalized,
		"signature": strings.TrimSpace(signature),
	})
	if err != nil {
		return saltedIdempotencyKey(platform, payload, signature, time.Now().UTC()), ErrWeakIdempotencyKey
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}

func normalizeEventPayload(payload []byte) (any, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return nil, err
	}
	return stripVolatileFields(decoded), nil
}

func stripVolatileFields(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cleaned := make(map[string]any, len(typed))
		for key, nested := range typed {
			if _, volatile := volatileEventFields[strings.ToLower(strings.TrimSpace(key))]; volatile {
				continue
			}
			cleaned[key] = stripVolatileFields(nested)
		}
		return cleaned
	case []any:
		cleaned := make([]any, 0, len(typed))
		for _, nested := range typed {
			cleaned = append(cleaned, stripVolatileFields(nested))
		}
		return cleaned
	default:
		return value
	}
}

func saltedIdempotencyKey(platform Platform, payload []byte, signature string, now time.Time) string {
	hasher := sha256.New()
	hasher.Write([]byte(string(platform)))
	hasher.Write([]byte{0})
	hasher.Write(payload)
	hasher.Write([]byte{0})
	hasher.Write([]byte(strings.TrimSpace(signature)))
	hasher.Write([]byte{0})
	hasher.Write([]byte(strconv.FormatInt(now.UnixNano(), 10)))
	return hex.EncodeToString(hasher.Sum(nil))
}

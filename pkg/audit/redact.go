package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// sensitiveAttrs hold requester free text.
var sensitiveAttrs = map[string]bool{
	"purpose": true,
	"prompt":  true,
	"error":   true,
}

func redactRecord(rec Record, salt []byte) Record {
	if rec.Actor != "" {
		rec.Actor = hashString(rec.Actor, salt)
	}
	if rec.Requester != "" {
		rec.Requester = hashString(rec.Requester, salt)
	}
	rec.Attrs = redactAttrs(rec.Attrs, salt)
	return rec
}

func redactAttrs(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var attrs map[string]string
	if err := json.Unmarshal(raw, &attrs); err != nil {
		payload := map[string]interface{}{
			"attrs_hash":      hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	for k, v := range attrs {
		if sensitiveAttrs[k] {
			attrs[k+"_hash"] = hashString(v, salt)
			delete(attrs, k)
		}
	}
	b, _ := json.Marshal(attrs)
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

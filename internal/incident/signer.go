package incident

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// SignHeaders produces the X-Timestamp / X-Signature pair for an upload.
// The signature is HMAC-SHA256(secret, timestamp || "." || canonical body)
// where the canonical body is the fields serialized as compact JSON with
// keys sorted — json.Marshal of a string map gives exactly that.
func SignHeaders(secret []byte, fields map[string]string, now time.Time) (map[string]string, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	ts := now.UTC().Format("2006-01-02T15:04:05Z")

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)

	return map[string]string{
		"X-Timestamp": ts,
		"X-Signature": hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

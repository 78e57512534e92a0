package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shizukutanaka/groundgate/internal/model"
)

// Verifier checks HMAC-SHA256 signatures on telemetry records.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	key []byte
}

// NewVerifier creates a verifier for key. An empty key fails closed.
func NewVerifier(key []byte) *Verifier {
	k := make([]byte, len(key))
	copy(k, key)
	return &Verifier{key: k}
}

// HasKey reports whether key material is configured
func (v *Verifier) HasKey() bool {
	return len(v.key) > 0
}

// Verify classifies record using the verifier's key
func (v *Verifier) Verify(record string) model.Outcome {
	return Verify(v.key, record)
}

// Verify splits record at the last delimiter into payload and hex MAC and
// checks MAC == HMAC-SHA256(key, payload) in constant time.
//
// A missing delimiter or an empty MAC field yields malformed_packet. Without
// a key every well-formed record yields invalid_signature.
func Verify(key []byte, record string) model.Outcome {
	payload, mac, ok := Split(record)
	if !ok {
		return model.OutcomeMalformedPacket
	}
	if len(key) == 0 {
		return model.OutcomeInvalidSignature
	}

	expected := []byte(Sign(key, payload))
	if !hmac.Equal(expected, []byte(mac)) {
		return model.OutcomeInvalidSignature
	}
	return model.OutcomeOK
}

// Split separates record into payload and trimmed MAC at the last delimiter
func Split(record string) (payload, mac string, ok bool) {
	i := strings.LastIndex(record, model.FieldDelimiter)
	if i < 0 {
		return "", "", false
	}
	mac = strings.TrimSpace(record[i+len(model.FieldDelimiter):])
	if mac == "" {
		return "", "", false
	}
	return record[:i], mac, true
}

// Sign returns the lowercase hex HMAC-SHA256 of payload
func Sign(key []byte, payload string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// ParseKey decodes a hex shared secret
func ParseKey(secretHex string) ([]byte, error) {
	s := strings.TrimSpace(secretHex)
	if s == "" {
		return nil, fmt.Errorf("empty key")
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return key, nil
}

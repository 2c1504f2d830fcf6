package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Delivery headers. Receivers verify the signature over
// "{timestamp}.{body}" within the timestamp tolerance.
const (
	HeaderSignature  = "X-Ruche-Signature"
	HeaderTimestamp  = "X-Ruche-Timestamp"
	HeaderDeliveryID = "X-Ruche-Delivery-Id"
	HeaderEventType  = "X-Ruche-Event-Type"
)

// signaturePrefix versions the signature scheme.
const signaturePrefix = "v1="

// DefaultTimestampTolerance bounds replay windows on the receiver side.
const DefaultTimestampTolerance = 300 * time.Second

// Sign computes the signature header value for a payload body signed at
// the given unix-seconds timestamp:
// "v1=" + hex(hmac_sha256(secret, "{ts}.{body}")).
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the body and timestamp
// header, enforcing the replay tolerance around now. It accepts exactly
// the signatures Sign produces.
func Verify(secret, signature, timestampHeader string, body []byte, now time.Time, tolerance time.Duration) error {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return fmt.Errorf("unsupported signature scheme")
	}
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp header: %w", err)
	}
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}
	delta := now.Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > tolerance {
		return fmt.Errorf("timestamp outside tolerance")
	}
	expected := Sign(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

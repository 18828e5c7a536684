package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
)

// Sign returns hex(HMAC-SHA256(secret, compact(data))). Compacting first makes
// the signature independent of the sender's whitespace.
func Sign(secret []byte, data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", fmt.Errorf("%w: data is not json: %v", apperr.ErrSignatureInvalid, err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(buf.Bytes())
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks sig against data in constant time.
func Verify(secret []byte, data []byte, sig string) error {
	sig = strings.TrimSpace(strings.ToLower(sig))
	if sig == "" {
		return fmt.Errorf("%w: missing signature", apperr.ErrSignatureInvalid)
	}
	want, err := Sign(secret, data)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return fmt.Errorf("%w: mismatch", apperr.ErrSignatureInvalid)
	}
	return nil
}

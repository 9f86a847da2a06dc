package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/strandhq/strand/internal/testutil"
)

func newTestPrincipalManager() *principalManager {
	return &principalManager{
		secret: testSecret(),
		isDev:  true,
		logger: testutil.DiscardLogger(),
	}
}

func TestSignVerifyPrincipal(t *testing.T) {
	secret := testSecret()
	id := uuid.New()

	value := signPrincipal(id, secret)
	got, ok := verifyPrincipal(value, secret)
	if !ok || got != id {
		t.Fatalf("verifyPrincipal(%q) = %s, %v", value, got, ok)
	}
}

func TestVerifyPrincipalRejectsTampering(t *testing.T) {
	secret := testSecret()
	id := uuid.New()
	value := signPrincipal(id, secret)

	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"no separator", strings.ReplaceAll(value, ":", "")},
		{"swapped id", signPrincipal(uuid.New(), secret)[:36] + value[36:]},
		{"truncated signature", value[:len(value)-4]},
		{"signature not base64", strings.Split(value, ":")[0] + ":!!!"},
		{"id not a uuid", "not-a-uuid:" + strings.SplitN(value, ":", 2)[1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := verifyPrincipal(tt.value, secret); ok {
				t.Fatalf("verifyPrincipal accepted %q", tt.value)
			}
		})
	}

	// A cookie signed under one secret is garbage under another.
	if _, ok := verifyPrincipal(value, []byte(strings.Repeat("x", 32))); ok {
		t.Fatal("verifyPrincipal accepted a cookie signed with a different secret")
	}
}

func TestCSRFTokenRoundTrip(t *testing.T) {
	pm := newTestPrincipalManager()
	principal := uuid.New()

	token := pm.NewCSRFToken(principal)
	if err := pm.CheckCSRF(principal, token); err != nil {
		t.Fatalf("CheckCSRF: %v", err)
	}
}

func TestCSRFTokenBoundToPrincipal(t *testing.T) {
	pm := newTestPrincipalManager()

	token := pm.NewCSRFToken(uuid.New())
	err := pm.CheckCSRF(uuid.New(), token)
	if !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("CheckCSRF with foreign principal = %v, want ErrCSRFInvalid", err)
	}
}

func TestCSRFTokenShapes(t *testing.T) {
	pm := newTestPrincipalManager()
	principal := uuid.New()

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrCSRFRequired},
		{"no separator", "justonepart", ErrCSRFMalformed},
		{"timestamp not a number", "soon:sig", ErrCSRFMalformed},
		{"signature not base64", fmt.Sprintf("%d:%s", time.Now().Unix(), "!!!"), ErrCSRFMalformed},
		{"forged signature", fmt.Sprintf("%d:%s", time.Now().Unix(), base64.URLEncoding.EncodeToString([]byte("forged"))), ErrCSRFInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := pm.CheckCSRF(principal, tt.token); !errors.Is(err, tt.want) {
				t.Fatalf("CheckCSRF(%q) = %v, want %v", tt.token, err, tt.want)
			}
		})
	}
}

// csrfTokenAt builds a validly signed token with an arbitrary timestamp.
func csrfTokenAt(secret []byte, principal uuid.UUID, ts int64) string {
	message := fmt.Sprintf("%s:%d", principal, ts)
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return fmt.Sprintf("%d:%s", ts, base64.URLEncoding.EncodeToString(h.Sum(nil)))
}

func TestCSRFTokenExpiry(t *testing.T) {
	pm := newTestPrincipalManager()
	principal := uuid.New()

	stale := csrfTokenAt(pm.secret, principal, time.Now().Add(-2*time.Hour).Unix())
	if err := pm.CheckCSRF(principal, stale); !errors.Is(err, ErrCSRFExpired) {
		t.Fatalf("stale token = %v, want ErrCSRFExpired", err)
	}

	// A token from the future beyond clock skew is not trustworthy.
	future := csrfTokenAt(pm.secret, principal, time.Now().Add(time.Hour).Unix())
	if err := pm.CheckCSRF(principal, future); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("future token = %v, want ErrCSRFInvalid", err)
	}

	// Slight skew within tolerance still passes.
	slight := csrfTokenAt(pm.secret, principal, time.Now().Add(time.Minute).Unix())
	if err := pm.CheckCSRF(principal, slight); err != nil {
		t.Fatalf("token within skew = %v, want nil", err)
	}
}

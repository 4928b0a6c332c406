package pairing_test

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/abhiaagarwal/moonshine-go/internal/clients"
	moonshinecrypto "github.com/abhiaagarwal/moonshine-go/internal/crypto"
	"github.com/abhiaagarwal/moonshine-go/internal/pairing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(t *testing.T) (*pairing.Handler, *clients.Registry, *moonshinecrypto.CertificatePair) {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "state.toml")
	registry, err := clients.New(statePath, testLogger())
	if err != nil {
		t.Fatalf("clients.New: %v", err)
	}
	t.Cleanup(registry.Close)

	serverCert, err := moonshinecrypto.GenerateSelfSigned()
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}

	h := pairing.NewHandler(testLogger(), registry, serverCert, time.Second)
	return h, registry, serverCert
}

func TestUnknownPhraseReturnsBadRequest(t *testing.T) {
	h, _, _ := newHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/pair?phrase=bogus", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Unknown pair phrase received: bogus") {
		t.Errorf("body = %q, want it to contain the unknown-phrase message", rec.Body.String())
	}
}

func TestHappyPathPairing(t *testing.T) {
	h, registry, _ := newHandler(t)

	clientPair, err := moonshinecrypto.GenerateSelfSigned()
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}

	salt := make([]byte, 16) // all zero, per the documented scenario
	uniqueID := "test-client"

	// Step 1: getservercert, unblocked concurrently by SubmitPIN.
	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := registry.SubmitPIN(uniqueID, "1234"); err != nil {
			t.Errorf("SubmitPIN: %v", err)
		}
	}()

	v := url.Values{}
	v.Set("phrase", "getservercert")
	v.Set("clientcert", hex.EncodeToString(clientPair.PEM))
	v.Set("salt", hex.EncodeToString(salt))
	v.Set("uniqueid", uniqueID)

	req := httptest.NewRequest(http.MethodGet, "/pair?"+v.Encode(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("getservercert status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "<paired>1</paired>") {
		t.Fatalf("getservercert body missing <paired>1</paired>: %s", rec.Body.String())
	}

	pending, ok := registry.Pending(uniqueID)
	if !ok {
		t.Fatal("expected a pending client after getservercert")
	}
	expectedKey := moonshinecrypto.DeriveKey(salt, "1234")
	if hex.EncodeToString(pending.Key) != hex.EncodeToString(expectedKey) {
		t.Errorf("derived key = %x, want %x", pending.Key, expectedKey)
	}

	// Step 2: clientchallenge.
	challenge := make([]byte, 16)
	encryptedChallenge, err := moonshinecrypto.ECBEncrypt(pending.Key, challenge)
	if err != nil {
		t.Fatalf("ECBEncrypt: %v", err)
	}

	v2 := url.Values{}
	v2.Set("uniqueid", uniqueID)
	v2.Set("clientchallenge", hex.EncodeToString(encryptedChallenge))
	req2 := httptest.NewRequest(http.MethodGet, "/pair?"+v2.Encode(), nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("clientchallenge status = %d, body = %s", rec2.Code, rec2.Body.String())
	}

	// Step 3: serverchallengeresp. The client's own secret (revealed later,
	// in step 5) is hashed together with the server's challenge, which this
	// white-box test reads directly off the PendingClient the way the real
	// client would only know it from decrypting the step-2 response.
	pending, ok = registry.Pending(uniqueID)
	if !ok {
		t.Fatal("expected pending client before serverchallengeresp")
	}
	clientSecret := make([]byte, 16)
	clientHash := sha256.Sum256(append(append([]byte{}, pending.ServerChallenge...), clientSecret...))
	plaintext := append(make([]byte, 16), clientHash[:16]...)
	encryptedResp, err := moonshinecrypto.ECBEncrypt(pending.Key, plaintext)
	if err != nil {
		t.Fatalf("ECBEncrypt: %v", err)
	}

	v3 := url.Values{}
	v3.Set("uniqueid", uniqueID)
	v3.Set("serverchallengeresp", hex.EncodeToString(encryptedResp))
	req3 := httptest.NewRequest(http.MethodGet, "/pair?"+v3.Encode(), nil)
	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusOK {
		t.Fatalf("serverchallengeresp status = %d, body = %s", rec3.Code, rec3.Body.String())
	}

	// Step 4: pairchallenge.
	v4 := url.Values{}
	v4.Set("phrase", "pairchallenge")
	v4.Set("uniqueid", uniqueID)
	req4 := httptest.NewRequest(http.MethodGet, "/pair?"+v4.Encode(), nil)
	rec4 := httptest.NewRecorder()
	h.ServeHTTP(rec4, req4)
	if rec4.Code != http.StatusOK {
		t.Fatalf("pairchallenge status = %d, body = %s", rec4.Code, rec4.Body.String())
	}

	if _, ok := registry.Get(uniqueID); !ok {
		t.Fatal("expected client to be registered after pairchallenge")
	}

	// Step 5: clientpairingsecret, encrypting the same secret hashed above.
	encryptedSecret, err := moonshinecrypto.ECBEncrypt(pending.Key, clientSecret)
	if err != nil {
		t.Fatalf("ECBEncrypt: %v", err)
	}
	v5 := url.Values{}
	v5.Set("clientpairingsecret", hex.EncodeToString(encryptedSecret))
	v5.Set("uniqueid", uniqueID)
	req5 := httptest.NewRequest(http.MethodGet, "/pair?"+v5.Encode(), nil)
	rec5 := httptest.NewRecorder()
	h.ServeHTTP(rec5, req5)
	if rec5.Code != http.StatusOK {
		t.Fatalf("clientpairingsecret status = %d, body = %s", rec5.Code, rec5.Body.String())
	}
	if !strings.Contains(rec5.Body.String(), "<paired>1</paired>") {
		t.Fatalf("clientpairingsecret body missing <paired>1</paired>: %s", rec5.Body.String())
	}

	// Step 4: pairchallenge, the final promotion.
	v4 = url.Values{}
	v4.Set("phrase", "pairchallenge")
	v4.Set("uniqueid", uniqueID)
	req4 = httptest.NewRequest(http.MethodGet, "/pair?"+v4.Encode(), nil)
	rec4 = httptest.NewRecorder()
	h.ServeHTTP(rec4, req4)
	if rec4.Code != http.StatusOK {
		t.Fatalf("pairchallenge status = %d, body = %s", rec4.Code, rec4.Body.String())
	}

	if _, ok := registry.Get(uniqueID); !ok {
		t.Fatal("expected client to be registered after pairchallenge")
	}
}

func TestClientPairingSecretMismatchDropsPending(t *testing.T) {
	h, registry, _ := newHandler(t)

	clientPair, err := moonshinecrypto.GenerateSelfSigned()
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	salt := make([]byte, 16)
	uniqueID := "mismatched-client"

	go func() {
		time.Sleep(10 * time.Millisecond)
		registry.SubmitPIN(uniqueID, "1234")
	}()

	v := url.Values{}
	v.Set("phrase", "getservercert")
	v.Set("clientcert", hex.EncodeToString(clientPair.PEM))
	v.Set("salt", hex.EncodeToString(salt))
	v.Set("uniqueid", uniqueID)
	req := httptest.NewRequest(http.MethodGet, "/pair?"+v.Encode(), nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	pending, ok := registry.Pending(uniqueID)
	if !ok {
		t.Fatal("expected a pending client after getservercert")
	}

	challenge := make([]byte, 16)
	encryptedChallenge, err := moonshinecrypto.ECBEncrypt(pending.Key, challenge)
	if err != nil {
		t.Fatalf("ECBEncrypt: %v", err)
	}
	v2 := url.Values{}
	v2.Set("uniqueid", uniqueID)
	v2.Set("clientchallenge", hex.EncodeToString(encryptedChallenge))
	req2 := httptest.NewRequest(http.MethodGet, "/pair?"+v2.Encode(), nil)
	h.ServeHTTP(httptest.NewRecorder(), req2)

	// Send a serverchallengeresp whose hash does not match what step 5 will
	// recompute, simulating a client that guessed the wrong PIN.
	wrongHash := make([]byte, 16)
	wrongHash[0] = 0xff
	plaintext := append(make([]byte, 16), wrongHash...)
	encryptedResp, err := moonshinecrypto.ECBEncrypt(pending.Key, plaintext)
	if err != nil {
		t.Fatalf("ECBEncrypt: %v", err)
	}
	v3 := url.Values{}
	v3.Set("uniqueid", uniqueID)
	v3.Set("serverchallengeresp", hex.EncodeToString(encryptedResp))
	req3 := httptest.NewRequest(http.MethodGet, "/pair?"+v3.Encode(), nil)
	h.ServeHTTP(httptest.NewRecorder(), req3)

	encryptedSecret, err := moonshinecrypto.ECBEncrypt(pending.Key, make([]byte, 16))
	if err != nil {
		t.Fatalf("ECBEncrypt: %v", err)
	}
	v5 := url.Values{}
	v5.Set("clientpairingsecret", hex.EncodeToString(encryptedSecret))
	v5.Set("uniqueid", uniqueID)
	req5 := httptest.NewRequest(http.MethodGet, "/pair?"+v5.Encode(), nil)
	rec5 := httptest.NewRecorder()
	h.ServeHTTP(rec5, req5)

	if rec5.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 on hash mismatch", rec5.Code)
	}
	if _, ok := registry.Pending(uniqueID); ok {
		t.Error("expected PendingClient to be dropped after hash mismatch")
	}
}

func TestPairChallengeToleratesDuplicateUniqueID(t *testing.T) {
	h, registry, _ := newHandler(t)

	clientPair, err := moonshinecrypto.GenerateSelfSigned()
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	uniqueID := "shared-vendor-id"
	salt := make([]byte, 16)

	for i := 0; i < 2; i++ {
		go func() {
			time.Sleep(5 * time.Millisecond)
			registry.SubmitPIN(uniqueID, "1234")
		}()

		v := url.Values{}
		v.Set("phrase", "getservercert")
		v.Set("clientcert", hex.EncodeToString(clientPair.PEM))
		v.Set("salt", hex.EncodeToString(salt))
		v.Set("uniqueid", uniqueID)
		req := httptest.NewRequest(http.MethodGet, "/pair?"+v.Encode(), nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("iteration %d getservercert status = %d", i, rec.Code)
		}

		v4 := url.Values{}
		v4.Set("phrase", "pairchallenge")
		v4.Set("uniqueid", uniqueID)
		req4 := httptest.NewRequest(http.MethodGet, "/pair?"+v4.Encode(), nil)
		rec4 := httptest.NewRecorder()
		h.ServeHTTP(rec4, req4)
		if rec4.Code != http.StatusOK {
			t.Fatalf("iteration %d pairchallenge status = %d", i, rec4.Code)
		}
	}

	if _, ok := registry.Get(uniqueID); !ok {
		t.Fatal("expected client registered after repeated pairing")
	}
}

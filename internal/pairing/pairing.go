// Package pairing implements the five-step pairing handshake (C3) that
// Moonlight-family clients use to establish a shared symmetric key with the
// host, ported function-for-function from the upstream pairing endpoint's
// phrase/param dispatch.
package pairing

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/abhiaagarwal/moonshine-go/internal/clients"
	moonshinecrypto "github.com/abhiaagarwal/moonshine-go/internal/crypto"
)

// Handler serves the /pair endpoint.
type Handler struct {
	log         *slog.Logger
	registry    *clients.Registry
	serverCert  *moonshinecrypto.CertificatePair
	pinTimeout  time.Duration
}

// NewHandler builds a pairing Handler. serverCert is the host's own
// identity, handed to clients during the getservercert step.
func NewHandler(log *slog.Logger, registry *clients.Registry, serverCert *moonshinecrypto.CertificatePair, pinTimeout time.Duration) *Handler {
	return &Handler{log: log, registry: registry, serverCert: serverCert, pinTimeout: pinTimeout}
}

// ServeHTTP dispatches on the presence of "phrase" first, then on which of
// the later-step parameters is present, matching the original dispatch
// order exactly.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		badRequest(w, fmt.Sprintf("failed to parse pairing request: %v", err))
		return
	}
	params := r.Form

	if phrase := params.Get("phrase"); phrase != "" {
		switch phrase {
		case "getservercert":
			h.getServerCert(w, r.Context(), params)
		case "pairchallenge":
			h.pairChallenge(w, params)
		default:
			message := fmt.Sprintf("Unknown pair phrase received: %s", phrase)
			h.log.Warn(message)
			badRequest(w, message)
		}
		return
	}

	switch {
	case params.Has("clientchallenge"):
		h.clientChallenge(w, params)
	case params.Has("serverchallengeresp"):
		h.serverChallengeResponse(w, params)
	case params.Has("clientpairingsecret"):
		h.clientPairingSecret(w, params)
	default:
		message := fmt.Sprintf("Unknown pair command with params: %v", params)
		h.log.Warn(message)
		badRequest(w, message)
	}
}

func (h *Handler) getServerCert(w http.ResponseWriter, ctx context.Context, params map[string][]string) {
	clientCertHex := first(params, "clientcert")
	if clientCertHex == "" {
		badRequest(w, "Expected 'clientcert' in get server cert request")
		return
	}
	clientCertDER, err := hex.DecodeString(clientCertHex)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	uniqueID := first(params, "uniqueid")
	if uniqueID == "" {
		badRequest(w, "Expected 'uniqueid' in get server cert request")
		return
	}

	saltHex := first(params, "salt")
	if saltHex == "" {
		badRequest(w, "Expected 'salt' in get server cert request")
		return
	}
	saltBytes, err := hex.DecodeString(saltHex)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if len(saltBytes) != 16 {
		badRequest(w, fmt.Sprintf("Failed to parse salt value, expected exactly 16 bytes but got %d", len(saltBytes)))
		return
	}
	var salt [16]byte
	copy(salt[:], saltBytes)

	clientCert, err := moonshinecrypto.ParseCertificatePEM(clientCertDER)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	pending, err := h.registry.StartPairing(uniqueID, clientCert, salt)
	if err != nil {
		badRequest(w, fmt.Sprintf("Failed to start pairing client: %v", err))
		return
	}

	h.log.Info("waiting for pin", "uniqueid", uniqueID, "endpoint", fmt.Sprintf("/pin?uniqueid=%s&pin=<PIN>", uniqueID))

	waitCtx, cancel := context.WithTimeout(ctx, h.pinTimeout)
	defer cancel()
	if err := pending.WaitForPIN(waitCtx); err != nil {
		h.registry.DropPending(uniqueID)
		badRequest(w, "timed out waiting for PIN")
		return
	}

	writeXML(w, fmt.Sprintf(
		`<root status_code="200"><paired>1</paired><plaincert>%s</plaincert></root>`,
		hex.EncodeToString(h.serverCert.PEM),
	))
}

func (h *Handler) clientChallenge(w http.ResponseWriter, params map[string][]string) {
	uniqueID := first(params, "uniqueid")
	if uniqueID == "" {
		badRequest(w, "Expected 'uniqueid' in client challenge request")
		return
	}
	challengeHex := first(params, "clientchallenge")
	if challengeHex == "" {
		badRequest(w, "Expected 'clientchallenge' in client challenge request")
		return
	}
	challenge, err := hex.DecodeString(challengeHex)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	pending, ok := h.registry.Pending(uniqueID)
	if !ok {
		badRequest(w, fmt.Sprintf("no pairing in progress for %s", uniqueID))
		return
	}

	decrypted, err := moonshinecrypto.ECBDecrypt(pending.Key, challenge)
	if err != nil {
		badRequest(w, fmt.Sprintf("Failed to process client challenge: %v", err))
		return
	}

	serverSecret, err := moonshinecrypto.RandomBytes(16)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	pending.ServerSecret = serverSecret

	serverChallenge, err := moonshinecrypto.RandomBytes(16)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	pending.ServerChallenge = serverChallenge

	certSig := h.serverCert.Certificate.Signature
	response, err := moonshinecrypto.ChallengeResponse(pending.Key, certSig, decrypted, serverSecret)
	if err != nil {
		badRequest(w, fmt.Sprintf("Failed to process client challenge: %v", err))
		return
	}

	writeXML(w, fmt.Sprintf(
		`<root status_code="200"><paired>1</paired><challengeresponse>%s</challengeresponse></root>`,
		hex.EncodeToString(response),
	))
}

func (h *Handler) serverChallengeResponse(w http.ResponseWriter, params map[string][]string) {
	respHex := first(params, "serverchallengeresp")
	if respHex == "" {
		badRequest(w, "Expected 'serverchallengeresp' in server challenge response request")
		return
	}
	respBytes, err := hex.DecodeString(respHex)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	uniqueID := first(params, "uniqueid")
	if uniqueID == "" {
		badRequest(w, "Expected 'uniqueid' in server challenge response request")
		return
	}

	pending, ok := h.registry.Pending(uniqueID)
	if !ok {
		badRequest(w, fmt.Sprintf("no pairing in progress for %s", uniqueID))
		return
	}

	decrypted, err := moonshinecrypto.ECBDecrypt(pending.Key, respBytes)
	if err != nil || len(decrypted) < 32 {
		h.registry.DropPending(uniqueID)
		badRequest(w, "Failed to process server challenge response")
		return
	}
	// decrypted[:16] is the client's claimed response to the server's
	// challenge; only the hash is retained for the step-5 verification.
	pending.ClientHash = decrypted[16:32]

	pairingSecret, err := moonshinecrypto.ECBEncrypt(pending.Key, pending.ServerSecret)
	if err != nil {
		h.log.Error("error with server challenge", "error", err)
		badRequest(w, "Failed to process server challenge response")
		return
	}

	writeXML(w, fmt.Sprintf(
		`<root status_code="200"><paired>1</paired><pairingsecret>%s</pairingsecret></root>`,
		hex.EncodeToString(pairingSecret),
	))
}

func (h *Handler) pairChallenge(w http.ResponseWriter, params map[string][]string) {
	uniqueID := first(params, "uniqueid")
	if uniqueID == "" {
		badRequest(w, "Expected 'uniqueid' in pair challenge")
		return
	}

	// All moonlight clients use the same uniqueid, so duplicate registration
	// is tolerated here.
	if err := h.registry.AddClient(uniqueID); err != nil {
		h.log.Warn("add client failed during pair challenge", "uniqueid", uniqueID, "error", err)
	}

	writeXML(w, `<root status_code="200"><paired>1</paired></root>`)
}

func (h *Handler) clientPairingSecret(w http.ResponseWriter, params map[string][]string) {
	secretHex := first(params, "clientpairingsecret")
	if secretHex == "" {
		badRequest(w, "Expected 'clientpairingsecret' in client pairing secret request")
		return
	}
	secretBytes, err := hex.DecodeString(secretHex)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	uniqueID := first(params, "uniqueid")
	if uniqueID == "" {
		badRequest(w, "Expected 'uniqueid' in pair challenge")
		return
	}

	pending, ok := h.registry.Pending(uniqueID)
	if !ok {
		badRequest(w, "Failed to check client pairing secret")
		return
	}

	decryptedSecret, err := moonshinecrypto.ECBDecrypt(pending.Key, secretBytes)
	if err != nil {
		h.registry.DropPending(uniqueID)
		badRequest(w, "Failed to check client pairing secret")
		return
	}

	if !moonshinecrypto.VerifySecretHash(pending.ServerChallenge, decryptedSecret, pending.ClientHash) {
		h.registry.DropPending(uniqueID)
		badRequest(w, "MITM detected: client hash does not match")
		return
	}

	writeXML(w, `<root status_code="200"><paired>1</paired></root>`)
}

func first(params map[string][]string, key string) string {
	v := params[key]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

func badRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, `<root status_code="400"><paired>0</paired><message>%s</message></root>`, message)
}

func writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(body))
}

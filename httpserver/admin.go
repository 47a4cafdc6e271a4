package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/masterpad-provisioning-backend/api"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/protocol"
)

// AdminHandler processes the authenticated operator endpoints of a pad
// node. Every request must carry a signature created with the private
// key of a whitelisted administrator.
//
// The handler verifies admin identity with cryptographic signatures and
// maps each operation onto the protocol node:
//   - Bootstrap starts the group ceremony
//   - Ratchet rotates the pad to the next epoch
//   - Burn destroys the pad beyond recovery
//   - Absence reports an unreachable member
//   - ConfirmPersistence releases the persistence gate
type AdminHandler struct {
	mu           sync.RWMutex
	log          *slog.Logger
	node         *protocol.Node
	adminPubKeys map[string][]byte // Map of admin ID to public key PEM
}

// NewAdminHandler creates a new admin handler for pad node operations.
//
// Parameters:
//   - log: Structured logger for operational insights
//   - node: The protocol node the operations act on
//   - adminPubKeys: Map of admin IDs to their public keys in PEM format
//
// Returns:
//   - Configured AdminHandler instance ready to handle admin requests
func NewAdminHandler(log *slog.Logger, node *protocol.Node, adminPubKeys map[string][]byte) *AdminHandler {
	return &AdminHandler{
		log:          log,
		node:         node,
		adminPubKeys: adminPubKeys,
	}
}

// HandleBootstrap starts the group bootstrap ceremony on this node.
//
// URL format: POST /api/v1/bootstrap
//
// Request body: JSON with "group_size", "threshold" and "pad_bytes".
//
// Response: JSON with the local ceremony session ID and the node state.
// The ceremony itself runs in the background; operators poll the status
// endpoint for progress.
func (h *AdminHandler) HandleBootstrap(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized: admin verification failed", http.StatusUnauthorized)
		return
	}

	var req api.BootstrapRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	session, err := h.node.Begin(r.Context(), req.GroupSize, req.Threshold, req.PadBytes)
	if err != nil {
		h.log.Error("Bootstrap request failed", "err", err, "adminID", adminID)
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	h.log.Info("Bootstrap ceremony started", "adminID", adminID,
		slog.String("session", session.ID().String()),
		slog.Int("groupSize", int(req.GroupSize)),
		slog.Int("threshold", int(req.Threshold)))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.BootstrapResponse{
		Session: session.ID().String(),
		State:   h.node.State().String(),
	})
}

// HandleRatchet rotates the pad to the next epoch.
//
// URL format: POST /api/v1/ratchet
//
// The rotation ceremony takes as long as a full bootstrap, so the handler
// only starts it and responds 202 Accepted. Operators poll the status
// endpoint until the node returns to the active state with a new epoch.
func (h *AdminHandler) HandleRatchet(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized: admin verification failed", http.StatusUnauthorized)
		return
	}

	if state := h.node.State(); state != protocol.StateActive {
		http.Error(w, fmt.Sprintf("cannot ratchet from %s state", state), http.StatusConflict)
		return
	}

	h.log.Info("Ratchet requested", "adminID", adminID)

	// The rotation outlives the request, so it runs detached from the
	// request context.
	go func() {
		if err := h.node.Ratchet(context.Background()); err != nil {
			h.log.Error("Ratchet failed", "err", err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(api.OperationResponse{
		Message: "Ratchet ceremony started",
		State:   h.node.State().String(),
	})
}

// HandleBurn destroys the pad and all local key material beyond recovery.
//
// URL format: POST /api/v1/burn
//
// The destruction is synchronous and the response reports the final
// state. There is no undo.
func (h *AdminHandler) HandleBurn(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized: admin verification failed", http.StatusUnauthorized)
		return
	}

	if err := h.node.Burn(r.Context()); err != nil {
		h.log.Error("Burn failed", "err", err, "adminID", adminID)
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	h.log.Info("Pad burned", "adminID", adminID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.OperationResponse{
		Message: "Pad destroyed",
		State:   h.node.State().String(),
	})
}

// HandleAbsence records that a group member is unreachable.
//
// URL format: POST /api/v1/absence/{member}
//
// The member index is taken from the URL path. Reports feed the watchdog
// alongside missed heartbeats.
func (h *AdminHandler) HandleAbsence(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized: admin verification failed", http.StatusUnauthorized)
		return
	}

	memberStr := chi.URLParam(r, "member")
	memberNum, err := strconv.ParseUint(memberStr, 10, 8)
	if err != nil {
		http.Error(w, "Invalid member index", http.StatusBadRequest)
		return
	}
	member := interfaces.MemberID(memberNum)
	if !member.Valid() {
		http.Error(w, "Invalid member index", http.StatusBadRequest)
		return
	}

	if err := h.node.ReportAbsence(member); err != nil {
		h.log.Error("Absence report failed", "err", err, "adminID", adminID,
			slog.String("member", member.String()))
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	h.log.Info("Member absence reported", "adminID", adminID,
		slog.String("member", member.String()))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.OperationResponse{
		Message: "Absence recorded for member " + member.String(),
		State:   h.node.State().String(),
	})
}

// HandleConfirmPersistence releases the manual persistence gate during a
// ceremony.
//
// URL format: POST /api/v1/confirm-persistence
//
// Nodes configured with a manual gate hold the ceremony in the
// persistence stage until the operator has verified the share backups.
func (h *AdminHandler) HandleConfirmPersistence(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized: admin verification failed", http.StatusUnauthorized)
		return
	}

	if err := h.node.ConfirmPersistence(); err != nil {
		h.log.Error("Persistence confirmation failed", "err", err, "adminID", adminID)
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	h.log.Info("Persistence confirmed", "adminID", adminID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.OperationResponse{
		Message: "Persistence confirmed",
		State:   h.node.State().String(),
	})
}

// verifyAdmin checks if the request is from a whitelisted admin.
//
// The function verifies that:
//  1. The admin is in the whitelist (has a registered public key)
//  2. The request includes a valid signature created with the admin's private key
//
// Parameters:
//   - r: The HTTP request to verify
//
// Returns:
//   - The admin ID if verification is successful
//   - A boolean indicating if verification was successful
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, bool) {
	// Extract admin ID and signature from headers
	adminID := r.Header.Get("X-Admin-ID")
	adminSignatureStr := r.Header.Get("X-Admin-Signature")

	// Basic validation
	if adminID == "" || adminSignatureStr == "" {
		return "", false
	}

	// Get admin's public key from the whitelist
	h.mu.RLock()
	pubKeyPEM, exists := h.adminPubKeys[adminID]
	h.mu.RUnlock()

	if !exists {
		h.log.Warn("Authentication failed: unknown admin ID", "adminID", adminID)
		return adminID, false
	}

	// Decode the base64 signature
	adminSignature, err := base64.StdEncoding.DecodeString(adminSignatureStr)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "adminID", adminID, "err", err)
		return adminID, false
	}

	// Parse the admin's public key
	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		h.log.Error("Failed to decode admin public key PEM", "adminID", adminID)
		return adminID, false
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		h.log.Error("Failed to parse admin public key", "adminID", adminID, "err", err)
		return adminID, false
	}

	ecdsaPubKey, ok := pubKey.(*ecdsa.PublicKey)
	if !ok {
		h.log.Error("Admin public key is not an ECDSA key", "adminID", adminID)
		return adminID, false
	}

	// Prepare the data to verify
	// 1. Read the request body without consuming it
	var bodyBytes []byte
	if r.Body != nil {
		bodyBytes, err = io.ReadAll(r.Body)
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return adminID, false
		}

		// Restore the body for later handlers
		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	// 2. Create the message to verify (path + body)
	message := r.URL.Path
	if len(bodyBytes) > 0 {
		message += string(bodyBytes)
	}

	// 3. Compute the hash of the message
	hash := sha256.Sum256([]byte(message))

	// Verify the signature
	if !ecdsa.VerifyASN1(ecdsaPubKey, hash[:], adminSignature) {
		h.log.Warn("Authentication failed: invalid signature", "adminID", adminID)
		return adminID, false
	}

	h.log.Debug("Admin authentication successful", "adminID", adminID)
	return adminID, true
}

// AdminKeyMetadata identifies one administrator in the keys file.
type AdminKeyMetadata struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

// AdminKeysConfig is the on-disk format of the admin keys file.
type AdminKeysConfig struct {
	Admins []AdminKeyMetadata `json:"admins"`
}

// LoadAdminKeys loads admin public keys from a JSON file.
//
// The JSON file should contain an "admins" array with entries that include:
//   - "id": A unique identifier for the admin
//   - "pubkey": The admin's public key in PEM format
//
// Parameters:
//   - r: Reader containing the JSON data
//
// Returns:
//   - Map of admin IDs to their public keys in PEM format
//   - Error if loading fails
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data AdminKeysConfig

	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte)
	for _, admin := range data.Admins {
		// Verify the public key is valid PEM
		block, _ := pem.Decode([]byte(admin.PubKey))
		if block == nil {
			return nil, fmt.Errorf("invalid PEM data for admin %s", admin.ID)
		}

		// Verify it's a valid public key
		_, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}

		result[admin.ID] = []byte(admin.PubKey)
	}

	return result, nil
}

// GenerateAdminKeyPair generates a new ECDSA key pair for an administrator.
//
// This utility function creates admin credentials for the operator API.
// The generated key pair is used for signing and verifying admin requests.
//
// Returns:
//   - Private key PEM string (should be securely distributed to the admin)
//   - Public key PEM string (should be registered with the AdminHandler)
//   - Error if key generation fails
func GenerateAdminKeyPair() (string, string, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	// Convert private key to PEM
	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	// Convert public key to PEM
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	publicKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	})

	return string(privateKeyPEM), string(publicKeyPEM), nil
}

// ParsePrivateKey parses an ECDSA private key from PEM format.
//
// This utility function converts a PEM-encoded private key to an ecdsa.PrivateKey
// object that can be used for signing operations.
//
// Parameters:
//   - privateKeyPEM: The private key in PEM format
//
// Returns:
//   - The parsed ECDSA private key
//   - Error if parsing fails
func ParsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
	}

	return privateKey, nil
}

// ComputeFingerprint computes a fingerprint for a public key.
//
// The fingerprint is a SHA-256 hash of the public key in PEM format,
// encoded as a hex string. It can be used to verify public key identity.
//
// Parameters:
//   - publicKeyPEM: Public key in PEM format
//
// Returns:
//   - Hex-encoded fingerprint
//   - Error if computation fails
func ComputeFingerprint(publicKeyPEM []byte) (string, error) {
	h := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(h[:]), nil
}

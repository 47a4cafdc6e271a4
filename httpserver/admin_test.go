package httpserver

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/api/clients"
	"github.com/ruteri/masterpad-provisioning-backend/bootstrap"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/pad"
	"github.com/ruteri/masterpad-provisioning-backend/protocol"
)

// generateAdminKeyPairs generates n admin key pairs for testing
func generateAdminKeyPairs(t *testing.T, n int) (map[string]*ecdsa.PrivateKey, map[string][]byte) {
	t.Helper()
	adminPrivKeys := make(map[string]*ecdsa.PrivateKey, n)
	adminPubKeyPEMs := make(map[string][]byte, n)

	for i := 0; i < n; i++ {
		adminID := fmt.Sprintf("admin%d", i+1)

		privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err, "Failed to generate ECDSA key")
		adminPrivKeys[adminID] = privateKey

		pubKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
		require.NoError(t, err, "Failed to marshal public key")

		adminPubKeyPEMs[adminID] = pem.EncodeToMemory(&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubKeyBytes,
		})
	}

	return adminPrivKeys, adminPubKeyPEMs
}

// signedPost issues one signed request outside the client, for requests the
// client refuses to produce.
func signedPost(t *testing.T, url string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) *http.Response {
	t.Helper()
	req, err := clients.CreateSignedAdminRequest("POST", url, body, adminID, privateKey)
	require.NoError(t, err, "Failed to create signed request")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAdminAuthRequired(t *testing.T) {
	privKeys, pubKeys := generateAdminKeyPairs(t, 2)
	env := buildNodes(t, 1, nil)
	node := env.nodes[0]
	ts := newTestServer(t, node, map[string][]byte{"admin1": pubKeys["admin1"]})

	t.Run("no signature", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/v1/ratchet", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown admin", func(t *testing.T) {
		resp := signedPost(t, ts.URL+"/api/v1/ratchet", nil, "ghost", privKeys["admin2"])
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong key for known admin", func(t *testing.T) {
		resp := signedPost(t, ts.URL+"/api/v1/ratchet", nil, "admin1", privKeys["admin2"])
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("signature bound to path", func(t *testing.T) {
		req, err := clients.CreateSignedAdminRequest("POST", ts.URL+"/api/v1/ratchet", nil, "admin1", privKeys["admin1"])
		require.NoError(t, err)
		req.URL.Path = "/api/v1/burn"
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "a replayed signature must not authorize another path")
		assert.Equal(t, protocol.StateOffline, node.State(), "the burn must not have run")
	})

	t.Run("garbage signature encoding", func(t *testing.T) {
		req, err := http.NewRequest("POST", ts.URL+"/api/v1/ratchet", nil)
		require.NoError(t, err)
		req.Header.Set("X-Admin-ID", "admin1")
		req.Header.Set("X-Admin-Signature", "not base64!")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestAdminGuardsBeforeBootstrap(t *testing.T) {
	privKeys, pubKeys := generateAdminKeyPairs(t, 1)
	env := buildNodes(t, 1, nil)
	ts := newTestServer(t, env.nodes[0], map[string][]byte{"admin1": pubKeys["admin1"]})
	client := clients.NewAdminClient(ts.URL, "admin1", privKeys["admin1"])

	st, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, "offline", st.State)

	_, err = client.Ratchet()
	require.Error(t, err, "an offline node has nothing to rotate")
	assert.Contains(t, err.Error(), "code 409")

	_, err = client.ReportAbsence(2)
	require.Error(t, err, "no watchdog is armed before bootstrap")
	assert.Contains(t, err.Error(), "code 409")

	_, err = client.ConfirmPersistence()
	require.Error(t, err, "no ceremony is in flight")
	assert.Contains(t, err.Error(), "code 409")

	_, err = client.Bootstrap(2, 1, 2*pad.BlockSize)
	require.Error(t, err, "threshold below 2 is rejected")
	assert.Contains(t, err.Error(), "code 400")

	_, err = client.Bootstrap(2, 2, 0)
	require.Error(t, err, "a zero pad budget is rejected")
	assert.Contains(t, err.Error(), "code 400")

	assert.Equal(t, protocol.StateOffline, env.nodes[0].State(), "rejected requests must not change state")
}

func TestAbsenceMemberValidation(t *testing.T) {
	privKeys, pubKeys := generateAdminKeyPairs(t, 1)
	env := buildNodes(t, 1, nil)
	ts := newTestServer(t, env.nodes[0], map[string][]byte{"admin1": pubKeys["admin1"]})

	for _, member := range []string{"abc", "0", "300", "-1"} {
		resp := signedPost(t, ts.URL+"/api/v1/absence/"+member, nil, "admin1", privKeys["admin1"])
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "member %q should be rejected", member)
	}
}

func TestBurnIsAlwaysAvailable(t *testing.T) {
	privKeys, pubKeys := generateAdminKeyPairs(t, 1)
	env := buildNodes(t, 1, nil)
	ts := newTestServer(t, env.nodes[0], map[string][]byte{"admin1": pubKeys["admin1"]})
	client := clients.NewAdminClient(ts.URL, "admin1", privKeys["admin1"])

	// A wipe order must work in every state, even before any pad exists.
	resp, err := client.Burn()
	require.NoError(t, err)
	assert.Equal(t, "lockdown", resp.State)
	assert.Equal(t, protocol.StateLockdown, env.nodes[0].State())
}

func TestBootstrapRequestValidation(t *testing.T) {
	privKeys, pubKeys := generateAdminKeyPairs(t, 1)
	env := buildNodes(t, 1, nil)
	ts := newTestServer(t, env.nodes[0], map[string][]byte{"admin1": pubKeys["admin1"]})

	resp := signedPost(t, ts.URL+"/api/v1/bootstrap", []byte("not json"), "admin1", privKeys["admin1"])
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, protocol.StateOffline, env.nodes[0].State())
}

func TestBootstrapOverHTTP(t *testing.T) {
	privKeys, pubKeys := generateAdminKeyPairs(t, 1)
	adminKeys := map[string][]byte{"admin1": pubKeys["admin1"]}

	env := buildNodes(t, 2, nil)
	adminClients := make([]*clients.AdminClient, len(env.nodes))
	for i, node := range env.nodes {
		ts := newTestServer(t, node, adminKeys)
		adminClients[i] = clients.NewAdminClient(ts.URL, "admin1", privKeys["admin1"])
	}

	// Members join in index order so every accepting side is listening
	// before a higher member dials it.
	for _, client := range adminClients {
		resp, err := client.Bootstrap(2, 2, 2*pad.BlockSize)
		require.NoError(t, err)
		assert.Equal(t, "bootstrapping", resp.State)
		assert.NotEmpty(t, resp.Session)
	}

	for _, client := range adminClients {
		require.NoError(t, client.WaitForState("active", 2*time.Minute, 50*time.Millisecond))
	}

	stOne, err := adminClients[0].Status()
	require.NoError(t, err)
	stTwo, err := adminClients[1].Status()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stOne.Epoch)
	assert.Equal(t, stOne.PadID, stTwo.PadID, "both members should install the same pad")
	assert.Equal(t, uint64(2*pad.BlockSize), stOne.TotalBytes)
	assert.Equal(t, stOne.TotalBytes, stOne.RemainingBytes)

	// Rotation over the API is asynchronous; the response only acknowledges
	// the start and the epoch advances in the background.
	rotate, err := adminClients[0].Ratchet()
	require.NoError(t, err)
	assert.Contains(t, rotate.Message, "started")

	for _, client := range adminClients {
		require.Eventually(t, func() bool {
			st, err := client.Status()
			return err == nil && st.State == "active" && st.Epoch == 2
		}, 2*time.Minute, 50*time.Millisecond, "both members should reach the new epoch")
	}

	// One member's burn propagates to the whole group.
	burn, err := adminClients[1].Burn()
	require.NoError(t, err)
	assert.Equal(t, "lockdown", burn.State)
	require.NoError(t, adminClients[0].WaitForState("lockdown", time.Minute, 50*time.Millisecond))
}

func TestConfirmPersistenceOverHTTP(t *testing.T) {
	privKeys, pubKeys := generateAdminKeyPairs(t, 1)
	adminKeys := map[string][]byte{"admin1": pubKeys["admin1"]}

	env := buildNodes(t, 2, func(m interfaces.MemberID, cfg *protocol.Config) {
		cfg.ManualPersistenceGate = true
		cfg.StageTimeouts = map[bootstrap.Stage]time.Duration{
			bootstrap.StagePersistence: time.Minute,
		}
	})
	adminClients := make([]*clients.AdminClient, len(env.nodes))
	for i, node := range env.nodes {
		ts := newTestServer(t, node, adminKeys)
		adminClients[i] = clients.NewAdminClient(ts.URL, "admin1", privKeys["admin1"])
	}

	for _, client := range adminClients {
		_, err := client.Bootstrap(2, 2, 2*pad.BlockSize)
		require.NoError(t, err)
	}

	// Both members park at the persistence gate until the operator confirms
	// over the API.
	for _, client := range adminClients {
		require.Eventually(t, func() bool {
			st, err := client.Status()
			return err == nil && st.Stage == "persistence"
		}, time.Minute, 10*time.Millisecond, "the ceremony should wait for confirmation")

		resp, err := client.ConfirmPersistence()
		require.NoError(t, err)
		assert.Equal(t, "Persistence confirmed", resp.Message)
	}

	for _, client := range adminClients {
		require.NoError(t, client.WaitForState("active", 2*time.Minute, 50*time.Millisecond))
	}
}

func TestLoadAdminKeys(t *testing.T) {
	_, pubPEM, err := GenerateAdminKeyPair()
	require.NoError(t, err)

	cfgJSON, err := json.Marshal(map[string]any{
		"admins": []map[string]string{{"id": "admin1", "pubkey": pubPEM}},
	})
	require.NoError(t, err)

	keys, err := LoadAdminKeys(bytes.NewReader(cfgJSON))
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, []byte(pubPEM), keys["admin1"])

	bad, err := json.Marshal(map[string]any{
		"admins": []map[string]string{{"id": "admin1", "pubkey": "not pem"}},
	})
	require.NoError(t, err)
	_, err = LoadAdminKeys(bytes.NewReader(bad))
	assert.Error(t, err, "invalid PEM should be rejected")

	_, err = LoadAdminKeys(bytes.NewReader([]byte("{")))
	assert.Error(t, err, "truncated JSON should be rejected")
}

func TestAdminKeyHelpers(t *testing.T) {
	privPEM, pubPEM, err := GenerateAdminKeyPair()
	require.NoError(t, err)
	assert.Contains(t, privPEM, "EC PRIVATE KEY")
	assert.Contains(t, pubPEM, "PUBLIC KEY")

	privateKey, err := ParsePrivateKey([]byte(privPEM))
	require.NoError(t, err)

	// The parsed key must verify against the exported public half.
	digest := sha256.Sum256([]byte("admin request"))
	sig, err := ecdsa.SignASN1(rand.Reader, privateKey, digest[:])
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(&privateKey.PublicKey, digest[:], sig))

	fp, err := ComputeFingerprint([]byte(pubPEM))
	require.NoError(t, err)
	assert.Len(t, fp, 64, "fingerprint is hex encoded SHA-256")
	again, err := ComputeFingerprint([]byte(pubPEM))
	require.NoError(t, err)
	assert.Equal(t, fp, again)

	_, err = ParsePrivateKey([]byte("not pem"))
	assert.Error(t, err)
}

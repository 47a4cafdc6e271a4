package clients

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/masterpad-provisioning-backend/api"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/protocol"
)

// AdminClient drives one node's administrative API. It signs every mutating
// request with the operator's ECDSA key and parses the typed responses.
type AdminClient struct {
	baseURL    string
	adminID    string
	privateKey *ecdsa.PrivateKey
	httpClient *http.Client
}

var _ api.Admin = (*AdminClient)(nil)

// NewAdminClient creates an admin client for the node at baseURL, for
// example "http://127.0.0.1:8080". The private key may be nil for clients
// that only read status.
func NewAdminClient(baseURL, adminID string, privateKey *ecdsa.PrivateKey, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:    baseURL,
		adminID:    adminID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// Status reports the node's current state snapshot. Status is unsigned; any
// caller may read it.
func (c *AdminClient) Status() (protocol.Status, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/api/v1/status")
	if err != nil {
		return protocol.Status{}, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return protocol.Status{}, fmt.Errorf("status request failed with code %d: %s", resp.StatusCode, string(body))
	}

	var status protocol.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return protocol.Status{}, fmt.Errorf("failed to parse status response: %w", err)
	}
	return status, nil
}

// Bootstrap opens a founding ceremony with the given parameters. The
// ceremony runs in the background; poll Status until the node settles.
func (c *AdminClient) Bootstrap(groupSize, threshold uint8, padBytes uint64) (*api.BootstrapResponse, error) {
	reqJSON, err := json.Marshal(api.BootstrapRequest{
		GroupSize: groupSize,
		Threshold: threshold,
		PadBytes:  padBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	var result api.BootstrapResponse
	if err := c.postSigned("/api/v1/bootstrap", reqJSON, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ratchet requests a pad rotation into the next epoch. The rotation runs in
// the background; poll Status until the epoch advances.
func (c *AdminClient) Ratchet() (*api.OperationResponse, error) {
	var result api.OperationResponse
	if err := c.postSigned("/api/v1/ratchet", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Burn destroys this member's pad material and signals the group. The node
// is in lockdown when the call returns.
func (c *AdminClient) Burn() (*api.OperationResponse, error) {
	var result api.OperationResponse
	if err := c.postSigned("/api/v1/burn", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReportAbsence marks a peer as administratively absent. The peer's
// watchdog contact clock freezes; the absence window decides the rest.
func (c *AdminClient) ReportAbsence(member interfaces.MemberID) (*api.OperationResponse, error) {
	var result api.OperationResponse
	if err := c.postSigned(fmt.Sprintf("/api/v1/absence/%d", member), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConfirmPersistence releases a ceremony holding at the manual persistence
// gate.
func (c *AdminClient) ConfirmPersistence() (*api.OperationResponse, error) {
	var result api.OperationResponse
	if err := c.postSigned("/api/v1/confirm-persistence", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// WaitForState polls the node until it reports the wanted state or the
// timeout elapses.
func (c *AdminClient) WaitForState(state string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		status, err := c.Status()
		if err != nil {
			return fmt.Errorf("failed to get node status: %w", err)
		}

		if status.State == state {
			return nil
		}

		time.Sleep(interval)
	}

	return fmt.Errorf("timeout waiting for node state %q", state)
}

// postSigned sends a signed POST and decodes the JSON response into out.
func (c *AdminClient) postSigned(path string, body []byte, out any) error {
	req, err := CreateSignedAdminRequest(http.MethodPost, c.baseURL+path, body, c.adminID, c.privateKey)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed with code %d: %s", path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

// CreateSignedAdminRequest creates an HTTP request carrying admin
// authentication headers.
//
// The signature covers the request path concatenated with the body: the
// SHA-256 hash of that message is signed with the operator's ECDSA key and
// the ASN.1 signature travels base64-encoded in X-Admin-Signature, with the
// operator identifier in X-Admin-ID.
func CreateSignedAdminRequest(method, reqUrl string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	if privateKey == nil {
		return nil, errors.New("signing requires a private key")
	}

	var req *http.Request
	var err error

	if body != nil {
		req, err = http.NewRequest(method, reqUrl, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, reqUrl, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
	}

	// Only the path is signed, not the host.
	parsedURL, err := url.Parse(reqUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	req.Header.Set("X-Admin-ID", adminID)

	message := parsedURL.Path
	if body != nil {
		message += string(body)
	}
	hash := sha256.Sum256([]byte(message))

	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	req.Header.Set("X-Admin-Signature", base64.StdEncoding.EncodeToString(signature))

	return req, nil
}

// SignAdminRequest adds authentication headers to an existing HTTP request.
func SignAdminRequest(req *http.Request, adminID string, privateKey *ecdsa.PrivateKey) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}
	if privateKey == nil {
		return errors.New("signing requires a private key")
	}

	req.Header.Set("X-Admin-ID", adminID)

	message := req.URL.Path

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}

		// Restore the body for the actual request.
		req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		message += string(bodyBytes)
	}

	hash := sha256.Sum256([]byte(message))

	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	req.Header.Set("X-Admin-Signature", base64.StdEncoding.EncodeToString(signature))

	return nil
}

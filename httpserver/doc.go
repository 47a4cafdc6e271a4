/*
Package httpserver implements the operator-facing HTTP server for a pad node.

It exposes the node's status and the administrative operations that drive the
pad lifecycle. Every administrative request must be signed with the private
key of a whitelisted administrator, so the server can run on an operator
network without additional transport authentication.

The package includes two main components:

1. Public API - Unauthenticated status reporting for monitors and tooling

2. Admin API - Signed operator commands that drive the pad lifecycle

# Public API Features

  - Node status snapshot with lifecycle state, epoch and pad budget
  - Per-peer liveness and ratchet pressure as seen by the watchdog
  - Health and diagnostics endpoints
  - Prometheus metrics on a separate listener

# Admin API Features

  - Group bootstrap ceremony initiation
  - Pad rotation (ratchet) to the next epoch
  - Emergency pad destruction
  - Member absence reporting
  - Manual persistence gate confirmation
  - Admin authentication via per-request ECDSA signatures

# Request Authentication

Administrative requests carry two headers:

  - X-Admin-ID: The identifier of the administrator
  - X-Admin-Signature: Base64 ASN.1 ECDSA signature over SHA-256 of the
    request path concatenated with the request body

The server verifies the signature against the admin's registered public key.
Requests without a valid signature are rejected with 401 Unauthorized. The
clients package provides a client that signs requests automatically.

# Endpoints

  - GET /api/v1/status - Node status snapshot
  - POST /api/v1/bootstrap - Start the group bootstrap ceremony
  - POST /api/v1/ratchet - Rotate the pad to the next epoch (202 Accepted)
  - POST /api/v1/burn - Destroy the pad beyond recovery
  - POST /api/v1/absence/{member} - Report an unreachable member
  - POST /api/v1/confirm-persistence - Release the manual persistence gate
  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

Slow operations respond before they finish. Bootstrap returns as soon as the
ceremony is running and ratchet responds 202 Accepted immediately, because a
full rotation regenerates the entire pad and can take minutes at gigabyte
scale. Operators poll GET /api/v1/status until the node reports the expected
state.

# Example Usage

	// Set up configuration
	cfg := &httpserver.HTTPServerConfig{
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		Log:         logger,
		DrainDuration:            30 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              5 * time.Second,
		WriteTimeout:             30 * time.Second,
	}

	// Load the admin whitelist
	keysFile, err := os.Open("admins.json")
	if err != nil {
		log.Fatalf("Failed to open admin keys: %v", err)
	}
	adminKeys, err := httpserver.LoadAdminKeys(keysFile)
	if err != nil {
		log.Fatalf("Failed to load admin keys: %v", err)
	}

	// Create handlers around the protocol node
	handler := httpserver.NewHandler(node, logger)
	admin := httpserver.NewAdminHandler(logger, node, adminKeys)

	// Create server
	server, err := httpserver.New(cfg, handler, admin)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Run in background
	server.RunInBackground()

	// Shutdown gracefully on exit
	defer server.Shutdown()

The server wraps a protocol.Node and never touches pad material directly;
all lifecycle decisions stay inside the protocol package.
*/
package httpserver

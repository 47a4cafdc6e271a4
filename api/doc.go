/*
Package api defines the wire types of the node's administrative HTTP API.

The API lets operators drive a protocol node over HTTP: open a founding
ceremony, rotate the pad into a new epoch, report an absent peer, release
the manual persistence gate, and in the last resort burn the local pad
material. Every mutating endpoint requires a signed admin request; status
is public.

# Endpoints

  - GET  /api/v1/status - Node state snapshot
  - POST /api/v1/bootstrap - Open a founding ceremony
  - POST /api/v1/ratchet - Rotate the pad into the next epoch
  - POST /api/v1/burn - Destroy local pad material and signal the group
  - POST /api/v1/absence/{member} - Report a peer as administratively absent
  - POST /api/v1/confirm-persistence - Release the manual persistence gate

# Authentication

Mutating requests carry two headers: X-Admin-ID identifies the operator and
X-Admin-Signature holds an ECDSA signature over the request path
concatenated with the body. The server verifies the signature against the
operator's registered public key. See the clients subpackage for a signing
client.

The serving side lives in the httpserver package; this package holds only
the request and response types shared between server and clients.
*/
package api

/*
Package clients provides the operator-side client for the node's
administrative API.

AdminClient signs every mutating request with the operator's ECDSA private
key and parses the typed responses from the api package. Status reads are
unsigned.

# AdminClient Operations

  - Status - Node state snapshot
  - Bootstrap - Open a founding ceremony
  - Ratchet - Rotate the pad into the next epoch
  - Burn - Destroy local pad material and signal the group
  - ReportAbsence - Report a peer as administratively absent
  - ConfirmPersistence - Release the manual persistence gate
  - WaitForState - Poll until the node reaches a wanted state

# Request Signing

Mutating requests carry X-Admin-ID and X-Admin-Signature headers. The
signature is ECDSA over the SHA-256 hash of the request path concatenated
with the body, matching the verification in the httpserver package.
CreateSignedAdminRequest and SignAdminRequest expose the signing for
callers building their own requests.

# Example Usage

	privateKey, err := httpserver.ParsePrivateKey(pemBytes)
	if err != nil {
		log.Fatal(err)
	}

	admin := clients.NewAdminClient("http://127.0.0.1:8080", adminID, privateKey)

	if _, err := admin.Bootstrap(3, 2, 1<<30); err != nil {
		log.Fatal(err)
	}
	if err := admin.WaitForState("active", 10*time.Minute, 2*time.Second); err != nil {
		log.Fatal(err)
	}
*/
package clients

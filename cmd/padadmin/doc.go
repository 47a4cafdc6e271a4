// Package main (cmd/padadmin) implements the administrator client for the
// master pad operator API.
//
// The admin client provides command-line tools for driving a pad group
// member: opening bootstrap ceremonies, rotating the pad, burning material,
// reporting absent members and releasing the manual persistence gate.
//
// Commands:
//
//	status                  - Query the node's state, epoch and pad watermark
//	generate-admin          - Generate a new administrator key pair
//	generate-admins-config  - Create admins.json from admin public keys
//	bootstrap               - Open the founding ceremony on this member
//	ratchet                 - Rotate the pad into the next epoch
//	burn                    - Destroy this member's pad material immediately
//	absence                 - Report a member as administratively absent
//	confirm-persistence     - Release a ceremony held at the persistence gate
//
// Each administrator must be registered with the server by including their
// public key in the admins.json configuration. Administrators authenticate
// using ECDSA signatures created with their private keys; the admin ID is
// the SHA-256 fingerprint of the public key PEM.
//
// Example workflow:
//
//  1. Generate admin keypair for each administrator:
//     padadmin generate-admin --admin-privkey-file=admin1-private.pem --admin-pubkey-file=admin1-public.pem
//
//  2. Create the admin configuration file the servers load at startup:
//     padadmin generate-admins-config --admin-pubkey-files=admin1-public.pem,admin2-public.pem
//
//  3. Open the founding ceremony on every member, highest index first so
//     accepting members are already listening:
//     padadmin bootstrap --server-addr=http://pad1:8080 --group-size=3 --threshold=2 --pad-bytes=1073741824 --wait-seconds=300
//
//  4. Rotate when consumption crosses the ratchet threshold:
//     padadmin ratchet --server-addr=http://pad1:8080
//
//  5. Under duress, destroy the pad from any member:
//     padadmin burn --server-addr=http://pad1:8080
package main

// Package storage persists sealed pad shares across pluggable backends.
//
// Shares reach this package already sealed under a member passphrase, so
// backends only ever handle opaque blobs. Records are keyed by member and
// epoch rather than content hash: a share is mutable state that gets
// refreshed each epoch and destroyed on burn.
//
// # Share Store Location Format
//
// Backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/masterpad/shares/
//   - s3://bucket-name/prefix/?region=us-west-2
//   - ipfs://ipfs.example.com:5001/masterpad-shares/
//   - vault://vault.example.com:8200/secret/masterpad?token=...
//   - mem://
//
// # Replication
//
// MultiStore aggregates several backends for redundancy:
//
//   - StoreShare: writes to all available backends, succeeds with one
//   - LoadShare: returns the first replica found
//   - DeleteShare: must succeed everywhere, since a surviving replica
//     after a burn is a live secret
//
// A share is reported missing only when every reachable backend agrees;
// backend outages surface as errors instead, because an unreachable replica
// may still hold the share.
package storage

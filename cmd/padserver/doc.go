// Package main (cmd/padserver) implements the pad group member daemon.
//
// Each instance runs one member of a master pad group: it keeps the member's
// share blocks in a local Pebble store, speaks the peer protocol over TCP for
// bootstrap ceremonies, ratchets and heartbeats, and exposes the operator API
// over HTTP for administrators to drive the group.
//
// The daemon persists three things under its data directory:
//
//   - identity.hex: the device signing key and seal secret, created on first
//     start and reused afterwards so the fingerprint survives restarts
//   - blocks/: the Pebble store holding this member's share blocks
//   - manifest.json: the pad descriptor and consumption watermark
//
// When a manifest is present at startup the daemon recovers the pad from
// local state before serving, so a restarted member reports its real
// watermark instead of starting offline with no pad.
//
// Peers are discovered from repeated --peer flags of the form
// <member>@<host:port>, from a DNS seed whose TXT records carry
// "member=<index> endpoint=<addr>" entries, or both. Sealed share backups go
// to the share store named by --share-store URIs; with several URIs every
// backend receives a replica.
//
// Administrators authenticate with ECDSA keys from the --admin-keys-file.
// With --manual-persist, bootstrap and ratchet ceremonies hold at the
// persistence stage until an admin confirms backups through the API.
//
// The server implements graceful shutdown on receiving termination signals
// (SIGINT/SIGTERM) and supports health checks, metrics collection, and
// optional profiling endpoints.
//
// Example usage:
//
//	masterpad-server --member=1 \
//	    --listen-addr=0.0.0.0:8080 \
//	    --peer-listen-addr=0.0.0.0:9370 \
//	    --peer=2@pad2.internal:9370 \
//	    --peer=3@pad3.internal:9370 \
//	    --data-dir=/var/lib/masterpad \
//	    --admin-keys-file=./admins.json \
//	    --share-store=file:///var/lib/masterpad/shares \
//	    --share-store=s3://pad-backups/member-1/?region=eu-west-1
package main

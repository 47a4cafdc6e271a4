// Package main (cmd/padtool) implements offline utilities for pad group
// devices. Unlike padadmin it never talks to a server; every command works
// on local files and is meant to run while the daemon is stopped.
//
// Commands:
//
//	backup-identity   - Split the device identity into t-of-n recovery fragments
//	restore-identity  - Reassemble an identity file from recovery fragments
//	pad-info          - Print a pad usage file's header and capacity
//	pad-advance       - Move a pad usage file's counter forward
//	import-usage      - Raise a member's manifest watermark to a pad file's counter
//	manifest          - Print a member's pad manifest
//
// Identity fragments use Shamir splitting over the identity payload, so any
// threshold of them restores the device's signing key and seal secret while
// fewer reveal nothing. Distribute the fragment files to separate operators
// and delete the local copies.
//
// The pad file commands operate on the portable usage format
// [PadID 16][UsedBytes 8 LE][Data...]. Counters only move forward:
// pad-advance refuses rewinds, and import-usage raises a manifest watermark
// but never lowers it, so a stale file cannot resurrect consumed blocks.
//
// Example identity backup:
//
//	padtool backup-identity --member=1 \
//	    --identity-file=/var/lib/masterpad/identity.hex \
//	    --fragments=5 --fragment-threshold=3
//
// Example restore onto a replacement device:
//
//	padtool restore-identity --member=1 \
//	    --identity-file=/var/lib/masterpad/identity.hex \
//	    --fragment-files=identity-fragment-1.hex,identity-fragment-3.hex,identity-fragment-4.hex
package main

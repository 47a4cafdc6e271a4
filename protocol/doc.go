// Package protocol assembles the full node: it owns the pad engine, the
// bootstrap session, the peer links and the watchdog, and exposes the
// operations an operator or the admin API drives. A node moves through an
// explicit state machine; Lockdown is reachable from every state and
// terminal.
//
// Steady-state traffic rides the channels left open by a completed
// bootstrap: periodic heartbeats feed every peer's watchdog, sync frames
// exchange pad usage, chat frames carry pad-encrypted messages, and control
// frames coordinate ratchets, absence reports and group burns. A ratchet is
// a fresh bootstrap at the next epoch keyed by the previous epoch's ratchet
// seed; the old pad is destroyed only after the new one is installed.
package protocol

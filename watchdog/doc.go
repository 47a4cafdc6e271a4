// Package watchdog enforces the group's iron law: pad material exists only
// while the whole group stays in contact.
//
// # Enforcement
//
// A background loop tracks per-member contact freshness. A member silent
// for the absence window (48 hours by default) makes the watchdog
// Suspicious; silence through the grace period on top of it (12 more hours)
// is treated as member loss and triggers destruction. Operators can also
// report a member absent directly, which freezes that member's contact
// clock so a seized device cannot keep itself alive by transmitting, or
// force destruction outright.
//
// # Destruction
//
// Entering Destroying runs every registered burn callback in order, pad
// engine, share stores, and seed material among them, then settles in
// Destroyed. Both states are terminal: heartbeats, check recoveries, and
// teardown cannot undo them. Health checks registered by other components
// (transport reachability, entropy source health, pad lock state) feed the
// same Suspicious signal and clear when they recover.
package watchdog

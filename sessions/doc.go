// Package sessions owns the set of live chat sessions and the index from
// connection id to session code.
//
// A session is created by one connection (its creator) and identified to
// humans by a six character access code. Other connections join with that
// code and receive a generated alias. The session carries opaque key
// material supplied by the creator together with a short ring of previous
// keys; the registry never interprets it.
//
// # Lifecycle
//
//	Active  -> accepting joins while under capacity
//	Idle    -> no activity for IdleTimeout; evicted
//	Expired -> past ExpiresAt; evicted
//	Revoked -> explicit, terminal
//	Ended   -> creator ended it, creator left, or last participant left
//
// Every terminal transition sends a session-ended notice with a
// human-readable reason to the remaining participants and releases all
// registry state, including connection index entries.
//
// # Notifications
//
// Mutations emit Notices through a Notifier after the registry lock is
// released. Notices are delivered in mutation order; a Notifier must not call
// back into the Registry.
//
// # Sweeps
//
// Sweep evicts expired and idle sessions and tells creators when their key
// is due for rotation. Run calls Sweep on a ticker. Reads such as GetSession
// apply the same checks lazily.
package sessions

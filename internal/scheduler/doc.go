// Package scheduler maintains the set of armed single-fire reminder timers
// and the recurring maintenance triggers.
//
// Design notes:
//   - Armings are keyed by reminder id; re-arming an id replaces the prior
//     arming (last write wins) and the callback version guard guarantees at
//     most one fire per id.
//   - Fired jobs run on a worker pool, never on the arming caller's
//     goroutine, so timer work cannot block request handling.
//   - The scheduler holds no authoritative data: every arming can be rebuilt
//     from the store's pending reminders.
package scheduler

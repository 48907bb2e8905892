// Package scheduler drives delivery. A ticker wakes the service, and on
// every tick each platform lane that is idle and past its pacing floor
// claims the oldest due task, runs one adapter attempt, and writes the
// result back to the store.
//
// Lanes run concurrently under a supervisor; a lane never has more than one
// attempt in flight. Claimed tasks left behind by a crash are returned to
// PENDING by Start before the first tick.
package scheduler

// Package viewer holds the double-buffered numeric rows shared between the
// stepping goroutine and any goroutine that feeds or observes it.
//
// A [Buffer] has a write side (values flowing into the simulation) and a
// read side (values flowing out of it). Each [Side] keeps two copies of its
// rows:
//
//   - live rows, owned by a single goroutine (the simulation or the
//     communication loop). [Side.Row] and [Side.View] return slices into this
//     storage so adapters can read and write in place.
//   - a shared slot used for the cross-goroutine handoff. Other goroutines
//     only touch it through [Side.Load], [Side.LoadValue] and
//     [Side.Snapshot].
//
// The owner moves data across with [Side.Publish] (live -> shared) and
// [Side.Pull] (shared -> live). One mutex-protected copy per cycle is the
// only synchronisation; a side never has two writers.
package viewer

// Package cmap provides a sharded concurrent map.
//
// Keys are spread over a power-of-two number of shards, each guarded by its
// own RWMutex. Values are only changed through Compute and Sweep, which run
// the caller's function under the shard lock, so mutable values such as
// per-host state can live in the map without a second lock.
package cmap

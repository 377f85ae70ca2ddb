// Package storage persists the little state the push client keeps across
// restarts:
//   - seen message ids, so a redelivered notification is not shown twice
//   - a delivery journal of notification lifecycle stages
//
// Messages themselves are never stored.
package storage

// Package token owns the bearer credential used to open the push connection.
//
// The current TokenInfo is immutable and swapped atomically; concurrent
// refreshes collapse into one fetch. A proactive refresh is scheduled at
// RefreshAt and survives reconnects; only Close cancels it.
package token

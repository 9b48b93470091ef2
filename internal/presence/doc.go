// Package presence tracks the last known state of every connected client and
// bridge node. Entries are overwritten, never deleted, and every change bumps
// a version counter that is stamped on presence broadcasts.
package presence

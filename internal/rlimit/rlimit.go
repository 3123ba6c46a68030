// Package rlimit raises the process open-file limit before a large
// configuration binds thousands of listening sockets.
package rlimit

// Desired is the soft RLIMIT_NOFILE to request for a given number of
// listeners: the listeners themselves plus headroom for the two sockets each
// relayed session holds.
func Desired(listeners int) uint64 {
	return uint64(listeners/10*20 + 1)
}

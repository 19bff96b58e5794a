package keyvault

import "runtime"

// clearBytes zeros a byte slice to keep key material from lingering in
// memory. runtime.KeepAlive stops the compiler from eliding the loop.
func clearBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

//go:build !(linux && arm64 && cgo)

package mmio

// cleanCache is a no-op where no cache maintenance instruction is wired up.
// Callers on such targets should allocate coherent (mailbox) memory.
func cleanCache(b []byte, line int) {}

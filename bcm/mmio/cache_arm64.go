//go:build linux && arm64 && cgo

package mmio

/*
#include <stdint.h>

static void clean_dcache(uintptr_t start, uintptr_t end, uintptr_t line) {
	for (uintptr_t p = start & ~(line - 1); p < end; p += line) {
		__asm__ volatile("dc civac, %0" : : "r"(p) : "memory");
	}
	__asm__ volatile("dsb sy" : : : "memory");
}
*/
import "C"
import "unsafe"

func cleanCache(b []byte, line int) {
	start := uintptr(unsafe.Pointer(&b[0]))
	C.clean_dcache(C.uintptr_t(start), C.uintptr_t(start+uintptr(len(b))), C.uintptr_t(line))
}

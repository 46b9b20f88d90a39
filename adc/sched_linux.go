package adc

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const schedFIFO = 1

// realtime pins the calling thread to cpu and raises it to the top
// SCHED_FIFO priority.  The caller must hold its OS thread.
func realtime(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrapf(err, "pin sampler to cpu %d", cpu)
	}
	prio, _, e := unix.RawSyscall(unix.SYS_SCHED_GET_PRIORITY_MAX, schedFIFO, 0, 0)
	if e != 0 {
		return errors.Wrap(e, "query SCHED_FIFO priority")
	}
	if prio < 1 {
		return errors.Errorf("SCHED_FIFO max priority %d", prio)
	}
	param := struct{ priority int32 }{int32(prio)}
	_, _, e = unix.RawSyscall(unix.SYS_SCHED_SETSCHEDULER, 0, schedFIFO, uintptr(unsafe.Pointer(&param)))
	if e != 0 {
		return errors.Wrap(e, "raise sampler to SCHED_FIFO")
	}
	return nil
}

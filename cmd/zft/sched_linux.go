//go:build linux

package main

import (
	"log"

	"golang.org/x/sys/unix"
)

// setRealtimePriority asks the kernel for SCHED_RR scheduling so that the
// polling loops in package flasher aren't starved by other processes while
// a flash write is in progress. Failure is logged and ignored: zft works
// fine, just less predictably, under the default scheduler.
func setRealtimePriority() {
	param := &unix.SchedParam{Priority: 10}
	if err := unix.SchedSetscheduler(0, unix.SCHED_RR, param); err != nil {
		log.Printf("zft: could not set real-time scheduling: %v", err)
	}
}

//go:build linux && (amd64 || arm64)

package inproc

import (
	"bytes"
	"os"
	"strconv"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// HasThread reports whether the given thread currently exists in this
// process.
func HasThread(id ThreadID) bool {
	_, err := os.Stat("/proc/self/task/" + strconv.Itoa(id))
	return err == nil
}

// EnumerateThreads invokes fn for every thread of the current process,
// with its name, scheduling state, and a captured CPU context. The
// listing is a snapshot: threads created during enumeration may or may
// not appear. Threads whose context cannot be captured are skipped.
// Returning false from fn stops the enumeration.
func EnumerateThreads(fn func(t *Thread) bool) errors.E {
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return errors.WithMessage(err, "read task directory")
	}

	for _, entry := range entries {
		id, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		thread := Thread{ID: id} //nolint:exhaustruct
		thread.Name = readThreadName(id)

		state, ok := readThreadState(id)
		if !ok {
			continue
		}
		thread.State = state

		if !modifyThread(id, func(ctx *CPUContext) {
			thread.Context = *ctx
		}) {
			continue
		}

		if !fn(&thread) {
			break
		}
	}

	return nil
}

func readThreadName(id ThreadID) string {
	comm, err := os.ReadFile("/proc/self/task/" + strconv.Itoa(id) + "/comm")
	if err != nil {
		return ""
	}
	return string(bytes.TrimRight(comm, "\n"))
}

// readThreadState extracts the single state character of a thread: the
// first character past the last ')' in its stat line, which keeps comm
// values containing parentheses from confusing the parse.
func readThreadState(id ThreadID) (ThreadState, bool) {
	stat, err := os.ReadFile("/proc/self/task/" + strconv.Itoa(id) + "/stat")
	if err != nil {
		return 0, false
	}
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return 0, false
	}
	return threadStateFromProcStatusCharacter(stat[i+2]), true
}

func threadStateFromProcStatusCharacter(c byte) ThreadState {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	switch c {
	case 'R':
		return ThreadRunning
	case 'S':
		return ThreadWaiting
	case 'T':
		return ThreadStopped
	case 'D', 'Z':
		// Disk sleep and zombie both land here, matching what this
		// library has always reported.
		return ThreadUninterruptible
	default:
		return ThreadUninterruptible
	}
}

// ThreadSuspend stops a thread of the current process with SIGSTOP.
func ThreadSuspend(id ThreadID) errors.E {
	return tgkillThread(id, unix.SIGSTOP)
}

// ThreadResume resumes a thread previously stopped with ThreadSuspend.
func ThreadResume(id ThreadID) errors.E {
	return tgkillThread(id, unix.SIGCONT)
}

func tgkillThread(id ThreadID, sig unix.Signal) errors.E {
	err := unix.Tgkill(unix.Getpid(), id, sig)
	if err == nil {
		return nil
	}
	var base error = err
	switch err { //nolint:errorlint
	case unix.EPERM:
		base = ErrPermissionDenied
	case unix.ESRCH:
		base = ErrNotFound
	}
	return errors.WithDetails(base, "thread", id)
}

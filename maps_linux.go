//go:build linux && (amd64 || arm64)

package inproc

import (
	"bytes"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// One refill covers at least one maps line; the only unbounded field is
// the trailing path, which cannot exceed PATH_MAX.
const procMapsBufferSize = 1024 + 4096

// procMapsIter is a line-oriented reader over a /proc/<pid>/maps file.
// Lines are yielded as borrowed views valid only until the next call to
// next. Refills go through the raw syscall layer so the iterator stays
// usable in paths that must not touch the C library.
type procMapsIter struct {
	fd          int
	buffer      [procMapsBufferSize]byte
	readCursor  int
	writeCursor int
}

func newProcMapsIterForSelf() *procMapsIter {
	return newProcMapsIterForPath("/proc/self/maps")
}

func newProcMapsIterForPid(pid int) *procMapsIter {
	return newProcMapsIterForPath("/proc/" + strconv.Itoa(pid) + "/maps")
}

func newProcMapsIterForPath(path string) *procMapsIter {
	iter := &procMapsIter{} //nolint:exhaustruct
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		iter.fd = -1
		return iter
	}
	iter.fd = fd
	return iter
}

func (iter *procMapsIter) destroy() {
	if iter.fd != -1 {
		_ = unix.Close(iter.fd)
		iter.fd = -1
	}
}

// next returns the next line without its newline. The returned slice
// aliases the iterator's buffer.
func (iter *procMapsIter) next() ([]byte, bool) {
	if iter.fd == -1 {
		return nil, false
	}

	newline := bytes.IndexByte(iter.buffer[iter.readCursor:iter.writeCursor], '\n')

	if newline == -1 {
		// Compact what is left and refill.
		available := iter.writeCursor - iter.readCursor
		if iter.readCursor > 0 {
			copy(iter.buffer[:available], iter.buffer[iter.readCursor:iter.writeCursor])
			iter.readCursor = 0
			iter.writeCursor = available
		}

		res := retryOnEINTR(func() int64 {
			return rawRead(iter.fd, iter.buffer[iter.writeCursor:])
		})
		if res <= 0 {
			return nil, false
		}
		iter.writeCursor += int(res)

		newline = bytes.IndexByte(iter.buffer[iter.readCursor:iter.writeCursor], '\n')
		if newline == -1 {
			return nil, false
		}
	}

	line := iter.buffer[iter.readCursor : iter.readCursor+newline]
	iter.readCursor += newline + 1

	return line, true
}

// mapsRecord is one parsed line of a maps file. Path carries rest-of-line
// semantics: everything past the inode column, spaces included.
type mapsRecord struct {
	Start  uintptr
	End    uintptr
	Perms  string
	Offset uint64
	Dev    string
	Inode  uint64
	Path   string
}

func (r *mapsRecord) memoryRange() MemoryRange {
	return MemoryRange{Base: r.Start, Size: r.End - r.Start}
}

// parseMapsLine parses "start-end perms offset dev inode path". The layout
// is fixed except for the path, which may be empty or contain spaces.
func parseMapsLine(line []byte) (mapsRecord, bool) {
	var record mapsRecord //nolint:exhaustruct

	s := string(line)

	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		return record, false
	}
	start, err := strconv.ParseUint(s[:dash], 16, 64)
	if err != nil {
		return record, false
	}
	s = s[dash+1:]

	var field string
	field, s = nextMapsField(s)
	end, err := strconv.ParseUint(field, 16, 64)
	if err != nil {
		return record, false
	}

	record.Perms, s = nextMapsField(s)
	if len(record.Perms) != 4 {
		return record, false
	}

	field, s = nextMapsField(s)
	record.Offset, err = strconv.ParseUint(field, 16, 64)
	if err != nil {
		return record, false
	}

	record.Dev, s = nextMapsField(s)

	field, s = nextMapsField(s)
	record.Inode, err = strconv.ParseUint(field, 10, 64)
	if err != nil {
		return record, false
	}

	record.Start = uintptr(start)
	record.End = uintptr(end)
	record.Path = strings.TrimLeft(s, " ")

	return record, true
}

func nextMapsField(s string) (string, string) {
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i+1:], " ")
}

// EnumerateRanges invokes fn for every mapping of the current process whose
// protection includes prot. Returning false from fn stops the enumeration.
func EnumerateRanges(prot Protection, fn func(details *RangeDetails) bool) errors.E {
	return enumerateRangesForPid(unix.Getpid(), prot, fn)
}

func enumerateRangesForPid(pid int, prot Protection, fn func(details *RangeDetails) bool) errors.E {
	iter := newProcMapsIterForPid(pid)
	if iter.fd == -1 {
		return errors.WithDetails(ErrNotFound, "pid", pid)
	}
	defer iter.destroy()

	for {
		line, ok := iter.next()
		if !ok {
			return nil
		}
		record, ok := parseMapsLine(line)
		if !ok {
			continue
		}

		details := RangeDetails{
			Range:      record.memoryRange(),
			Protection: protectionFromPerms(record.Perms),
			File:       nil,
		}
		if record.Inode != 0 && strings.HasPrefix(record.Path, "/") {
			details.File = &FileMapping{
				Path:   record.Path,
				Offset: record.Offset,
			}
		}

		if details.Protection&prot == prot {
			if !fn(&details) {
				return nil
			}
		}
	}
}

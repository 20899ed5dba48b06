//go:build linux && (amd64 || arm64)

package inproc

import (
	"encoding/binary"
	"os"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// ProcessID returns the id of the current process.
func ProcessID() int {
	return unix.Getpid()
}

// CurrentThreadID returns the kernel id of the calling thread.
func CurrentThreadID() ThreadID {
	return unix.Gettid()
}

// IsDebuggerAttached reports whether some other process is tracing this
// one, by way of the TracerPid field of /proc/self/status.
func IsDebuggerAttached() bool {
	status, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}
	i := strings.Index(string(status), "TracerPid:")
	if i < 0 {
		return false
	}
	value := strings.TrimSpace(strings.SplitN(string(status[i+len("TracerPid:"):]), "\n", 2)[0])
	pid, err := strconv.Atoi(value)
	return err == nil && pid != 0
}

// CPUType identifies the instruction set of an ELF image.
type CPUType int

const (
	CPUIA32 CPUType = iota
	CPUAMD64
	CPUARM
	CPUARM64
	CPUMIPS
)

func (t CPUType) String() string {
	switch t {
	case CPUIA32:
		return "ia32"
	case CPUAMD64:
		return "amd64"
	case CPUARM:
		return "arm"
	case CPUARM64:
		return "arm64"
	case CPUMIPS:
		return "mips"
	}
	return "unknown"
}

const (
	elfDataLSB = 1
	elfDataMSB = 2

	elfMachineMIPS  = 8
	elfMachineARM   = 40
	elfMachine386   = 3
	elfMachineAMD64 = 62
	elfMachineARM64 = 183
)

// CPUTypeFromFile sniffs the machine type of an on-disk ELF image.
func CPUTypeFromFile(path string) (CPUType, errors.E) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.WithMessage(err, "open")
	}
	defer f.Close()

	var header [20]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		return 0, errors.WithDetails(ErrNotSupported, "path", path)
	}
	if [4]byte(header[:4]) != elfMagic {
		return 0, errors.WithDetails(ErrNotSupported, "path", path)
	}

	var machine uint16
	switch header[5] {
	case elfDataLSB:
		machine = binary.LittleEndian.Uint16(header[18:])
	case elfDataMSB:
		machine = binary.BigEndian.Uint16(header[18:])
	default:
		return 0, errors.WithDetails(ErrNotSupported, "path", path)
	}

	switch machine {
	case elfMachine386:
		return CPUIA32, nil
	case elfMachineAMD64:
		return CPUAMD64, nil
	case elfMachineARM:
		return CPUARM, nil
	case elfMachineARM64:
		return CPUARM64, nil
	case elfMachineMIPS:
		return CPUMIPS, nil
	}
	return 0, errors.WithDetails(ErrNotSupported, "path", path, "machine", int(machine))
}

// CPUTypeFromPid sniffs the machine type of a running process.
func CPUTypeFromPid(pid int) (CPUType, errors.E) {
	return CPUTypeFromFile("/proc/" + strconv.Itoa(pid) + "/exe")
}

//go:build linux && (amd64 || arm64)

package inproc

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestHasThread(t *testing.T) {
	t.Parallel()

	assert.True(t, HasThread(CurrentThreadID()))
	assert.False(t, HasThread(1)) // init is not one of our threads
}

func TestEnumerateThreads(t *testing.T) {
	t.Parallel()

	self := CurrentThreadID()
	foundSelf := false
	errE := EnumerateThreads(func(thread *Thread) bool {
		assert.NotZero(t, thread.ID)
		if thread.ID == self {
			foundSelf = true
			assert.NotZero(t, thread.Context.PC())
			assert.NotZero(t, thread.Context.SP())
		}
		return true
	})
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.True(t, foundSelf)
}

func TestEnumerateThreadsStops(t *testing.T) {
	t.Parallel()

	calls := 0
	errE := EnumerateThreads(func(_ *Thread) bool {
		calls++
		return false
	})
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, 1, calls)
}

func TestReadThreadNameAndState(t *testing.T) {
	t.Parallel()

	id := CurrentThreadID()
	name := readThreadName(id)
	assert.NotEmpty(t, name)

	state, ok := readThreadState(id)
	require.True(t, ok)
	assert.Equal(t, ThreadRunning, state) // we are running right now
}

func TestThreadStateFromProcStatusCharacter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ThreadRunning, threadStateFromProcStatusCharacter('R'))
	assert.Equal(t, ThreadWaiting, threadStateFromProcStatusCharacter('S'))
	assert.Equal(t, ThreadStopped, threadStateFromProcStatusCharacter('T'))
	assert.Equal(t, ThreadStopped, threadStateFromProcStatusCharacter('t'))
	// Disk sleep and zombie fold together; preserved behavior.
	assert.Equal(t, ThreadUninterruptible, threadStateFromProcStatusCharacter('D'))
	assert.Equal(t, ThreadUninterruptible, threadStateFromProcStatusCharacter('Z'))
	assert.Equal(t, ThreadUninterruptible, threadStateFromProcStatusCharacter('W'))
}

func TestIsDebuggerAttached(t *testing.T) {
	t.Parallel()

	// Nothing traces go test under normal circumstances.
	assert.False(t, IsDebuggerAttached())
}

func TestCPUTypeFromPid(t *testing.T) {
	t.Parallel()

	cpu, errE := CPUTypeFromPid(os.Getpid())
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Contains(t, []CPUType{CPUAMD64, CPUARM64}, cpu)

	_, errE = CPUTypeFromFile("/dev/null")
	assert.ErrorIs(t, errE, ErrNotSupported)
}

// Stopping a thread with SIGSTOP halts the whole thread group, so the
// suspend/resume cycle runs in a child process: the child suspends
// itself, we observe 'T' in its stat from outside, resume it, and it
// reports back.
func TestThreadSuspendResume(t *testing.T) {
	t.Parallel()

	if os.Getenv("INPROC_TEST_SUSPEND_CHILD") == "1" {
		suspendChild()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run", "TestThreadSuspendResume") //nolint:gosec
	cmd.Env = append(os.Environ(), "INPROC_TEST_SUSPEND_CHILD=1")
	stdout, e := cmd.StdoutPipe()
	require.NoError(t, e)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	reader := bufio.NewReader(stdout)
	line, e := reader.ReadString('\n')
	require.NoError(t, e)
	var tid int
	_, e = fmt.Sscanf(line, "tid %d", &tid)
	require.NoError(t, e)

	statPath := "/proc/" + strconv.Itoa(cmd.Process.Pid) + "/task/" + strconv.Itoa(tid) + "/stat"
	require.True(t, waitForState(statPath, 'T'), "child thread did not stop")

	require.NoError(t, unix.Kill(cmd.Process.Pid, unix.SIGCONT))

	line, e = reader.ReadString('\n')
	require.NoError(t, e)
	assert.Equal(t, "resumed\n", line)

	require.NoError(t, cmd.Wait())
}

func suspendChild() {
	fmt.Printf("tid %d\n", CurrentThreadID())
	if errE := ThreadSuspend(CurrentThreadID()); errE != nil {
		fmt.Println("suspend failed")
		os.Exit(1)
	}
	// Only reached after SIGCONT.
	fmt.Println("resumed")
	os.Exit(0)
}

func waitForState(statPath string, want byte) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(statPath)
		if err == nil {
			for i := len(data) - 1; i >= 0; i-- {
				if data[i] == ')' {
					if i+2 < len(data) && data[i+2] == want {
						return true
					}
					break
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

var enumerateCounter atomic.Uint64 //nolint:gochecknoglobals

func BenchmarkEnumerateThreads(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = EnumerateThreads(func(_ *Thread) bool {
			enumerateCounter.Add(1)
			return false
		})
	}
}

package engine

import (
	"strings"
	"syscall"
)

// Signal is the best-effort classification of a failed engine run. It is
// derived from stderr markers and the exit status, not from structured
// output, so it is only used for diagnostics.
type Signal string

const (
	SignalTimeout            Signal = "timeout"
	SignalCanceled           Signal = "canceled"
	SignalStartFailed        Signal = "start_failed"
	SignalOutOfMemory        Signal = "out_of_memory"
	SignalCUDAUnavailable    Signal = "cuda_unavailable"
	SignalDriverError        Signal = "driver_error"
	SignalMissingLibrary     Signal = "missing_library"
	SignalIllegalInstruction Signal = "illegal_instruction"
	SignalKilled             Signal = "killed"
	SignalCrashed            Signal = "crashed"
	SignalExitNonZero        Signal = "exit_non_zero"
)

type stderrMarker struct {
	marker string
	signal Signal
}

// First match wins, so more specific markers come first. Markers are
// compared against lower-cased stderr.
var stderrMarkers = []stderrMarker{
	{marker: "cuda out of memory", signal: SignalOutOfMemory},
	{marker: "outofmemoryerror", signal: SignalOutOfMemory},
	{marker: "cublas_status_alloc_failed", signal: SignalOutOfMemory},
	{marker: "cudnn_status_alloc_failed", signal: SignalOutOfMemory},
	{marker: "out of memory", signal: SignalOutOfMemory},
	{marker: "no cuda gpus are available", signal: SignalCUDAUnavailable},
	{marker: "torch not compiled with cuda enabled", signal: SignalCUDAUnavailable},
	{marker: "cuda is not available", signal: SignalCUDAUnavailable},
	{marker: "found no nvidia driver", signal: SignalCUDAUnavailable},
	{marker: "cuda driver version is insufficient", signal: SignalDriverError},
	{marker: "libcudnn", signal: SignalDriverError},
	{marker: "cudnn", signal: SignalDriverError},
	{marker: "libcublas", signal: SignalDriverError},
	{marker: "nvidia-smi has failed", signal: SignalDriverError},
	{marker: "cuda error", signal: SignalDriverError},
	{marker: "error while loading shared libraries", signal: SignalMissingLibrary},
	{marker: "cannot open shared object file", signal: SignalMissingLibrary},
	{marker: "dyld: library not loaded", signal: SignalMissingLibrary},
	{marker: "illegal instruction", signal: SignalIllegalInstruction},
	{marker: "segmentation fault", signal: SignalCrashed},
	{marker: "core dumped", signal: SignalCrashed},
}

// Exit codes as reported by a shell wrapper (128 + signal number).
var exitCodeSignals = map[int]Signal{
	128 + int(syscall.SIGILL):  SignalIllegalInstruction,
	128 + int(syscall.SIGABRT): SignalCrashed,
	128 + int(syscall.SIGKILL): SignalKilled,
	128 + int(syscall.SIGSEGV): SignalCrashed,
}

// Classify maps the stderr text and exit code of a failed run to a Signal.
// Processes terminated by a signal are expected to be reported with the
// shell convention 128+signo.
func Classify(stderr string, exitCode int) Signal {
	value := strings.ToLower(stderr)
	for _, m := range stderrMarkers {
		if strings.Contains(value, m.marker) {
			return m.signal
		}
	}

	if signal, ok := exitCodeSignals[exitCode]; ok {
		return signal
	}

	return SignalExitNonZero
}

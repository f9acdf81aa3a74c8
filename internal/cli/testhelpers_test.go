package cli

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const transcribingStub = `#!/bin/sh
set -eu
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output-file) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
printf '{"segments":[{"start":0,"end":1.5,"text":"hello there","speaker":"SPEAKER_00"}]}' > "$out"
`

const failingStub = `#!/bin/sh
echo "RuntimeError: model weights are corrupt" >&2
exit 1
`

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// testEnv is an isolated data directory with a config pointing the engine
// at a shell stub.
type testEnv struct {
	dir     string
	dataDir string
	config  string
}

func newTestEnv(t *testing.T, stub string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	script := filepath.Join(dir, "transcribe.sh")
	require.NoError(t, os.WriteFile(script, []byte(stub), 0o755))

	configPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`engine:
  python: /bin/sh
  script: %s
  timeout: 1m
  kill_grace: 1s
worker:
  job_timeout: 5m
  poll_interval: 1s
log:
  level: error
`, script)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return &testEnv{dir: dir, dataDir: filepath.Join(dir, "data"), config: configPath}
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, _, err := runCommand(t, append([]string{"--config", e.config, "--data-dir", e.dataDir, "--no-progress"}, args...))
	return stdout, err
}

func (e *testEnv) writeWAV(t *testing.T, name string, samples []int16) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, makePCM16WAVForTest(samples, 16000, 1), 0o644))
	return path
}

func decodeJSON[T any](t *testing.T, data string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(data), &v), "output: %s", data)
	return v
}

func tone(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 8000
		} else {
			samples[i] = -8000
		}
	}
	return samples
}

func makePCM16WAVForTest(samples []int16, sampleRate int, channels int) []byte {
	bytesPerSample := 2
	dataSize := len(samples) * bytesPerSample
	fmtChunkSize := 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], []byte("RIFF"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], []byte("WAVE"))
	off += 4

	copy(out[off:], []byte("fmt "))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(fmtChunkSize))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 1)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], uint16(channels))
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate*channels*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], uint16(channels*bytesPerSample))
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 16)
	off += 2

	copy(out[off:], []byte("data"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	for _, s := range samples {
		binary.LittleEndian.PutUint16(out[off:], uint16(s))
		off += 2
	}

	return out
}

package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFetchStoresContentUnderHashName(t *testing.T) {
	t.Parallel()

	body := []byte("RIFF fake audio payload")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "voxqueue/1", r.Header.Get("User-Agent"))
		_, _ = w.Write(body)
	}))
	defer server.Close()

	dir := filepath.Join(t.TempDir(), "inbox")
	result, err := Fetch(context.Background(), Options{
		URL:            server.URL + "/calls/Monday.WAV",
		Dir:            dir,
		ExpectedSHA256: sha(body),
		NoProgress:     true,
	})
	require.NoError(t, err)
	require.Equal(t, sha(body), result.SHA256)
	require.Equal(t, int64(len(body)), result.Size)
	require.Equal(t, filepath.Join(dir, sha(body)[:FileIDLength]+".wav"), result.Path)
	require.Equal(t, sha(body)[:FileIDLength], result.FileID())

	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	require.Equal(t, body, data)

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.part"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestFetchReusesExistingContent(t *testing.T) {
	t.Parallel()

	body := []byte("same bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer server.Close()

	dir := t.TempDir()
	first, err := Fetch(context.Background(), Options{URL: server.URL + "/a.mp3", Dir: dir, NoProgress: true})
	require.NoError(t, err)
	second, err := Fetch(context.Background(), Options{URL: server.URL + "/a.mp3", Dir: dir, NoProgress: true})
	require.NoError(t, err)
	require.Equal(t, first.Path, second.Path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	result, err := Fetch(context.Background(), Options{URL: server.URL + "/x", Dir: t.TempDir(), NoProgress: true})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, ".audio", filepath.Ext(result.Path))
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := Fetch(context.Background(), Options{URL: server.URL, Dir: t.TempDir(), NoProgress: true})
	require.ErrorContains(t, err, "unexpected status code: 404")
	require.Equal(t, int32(1), calls.Load())
}

func TestFetchRejectsOversizedBodies(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer server.Close()

	dir := t.TempDir()
	_, err := Fetch(context.Background(), Options{URL: server.URL, Dir: dir, MaxBytes: 1024, NoProgress: true})
	require.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFetchChecksumMismatch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	_, err := Fetch(context.Background(), Options{
		URL:            server.URL,
		Dir:            t.TempDir(),
		ExpectedSHA256: sha([]byte("other")),
		Retries:        1,
		NoProgress:     true,
	})
	require.ErrorContains(t, err, "checksum mismatch")
}

func TestHashFileAndFileID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	sum, err := HashFile(path)
	require.NoError(t, err)
	require.Equal(t, sha([]byte("hello")), sum)
	require.Len(t, FileIDFromSum(sum), FileIDLength)
	require.Equal(t, "abc", FileIDFromSum("abc"))

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	require.ErrorContains(t, err, "open file for checksum")
}

func TestIsURL(t *testing.T) {
	t.Parallel()

	require.True(t, IsURL("https://example.com/a.wav"))
	require.True(t, IsURL("http://localhost:8080/a"))
	require.False(t, IsURL("/tmp/a.wav"))
	require.False(t, IsURL("recording.wav"))
	require.False(t, IsURL("ftp://example.com/a.wav"))
}

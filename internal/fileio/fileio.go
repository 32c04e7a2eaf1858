// Package fileio reads files for sending and writes reconstructed
// transfers to disk.
package fileio

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

var (
	ErrUnsafeName = errors.New("unusable file name")
	ErrTooLarge   = errors.New("file too large")
)

// ReadSource reads a whole file, refusing anything longer than limit bytes.
func ReadSource(path string, limit int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	if limit > 0 && info.Size() > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, path, info.Size(), limit)
	}
	return os.ReadFile(path)
}

// SafeName reduces a name received from the network to a single path
// element. Separators from any platform are honored.
func SafeName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.FromSlash(name))
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	switch base {
	case "", ".", "..", string(filepath.Separator):
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	if strings.ContainsRune(base, 0) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return base, nil
}

// WriteReceived stores data as dir/SafeName(name). The file appears
// atomically: data goes to a temp file in dir that is renamed into place.
// It returns the final path.
func WriteReceived(dir, name string, data []byte) (string, error) {
	base, err := SafeName(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+base+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("write %s: %w", base, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync %s: %w", base, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close %s: %w", base, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return "", fmt.Errorf("chmod %s: %w", base, err)
	}
	final := filepath.Join(dir, base)
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return "", fmt.Errorf("rename %s: %w", base, err)
	}
	return final, nil
}

// Checksum returns the hex BLAKE3-256 digest of data. Both ends log it so
// a transfer can be verified by eye.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Package archive packs run artefacts into a zstd-compressed tarball.
package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Entry is one file of an archive.
type Entry struct {
	Name string
	Data []byte
}

// Bundle is a packed archive with its digest.
type Bundle struct {
	Data   []byte
	SHA256 string
}

// Pack writes entries into a .tar.zst held in memory.
func Pack(entries []Entry, modTime time.Time) (Bundle, error) {
	var buf bytes.Buffer

	encoder, err := zstd.NewWriter(&buf)
	if err != nil {
		return Bundle{}, fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	for _, entry := range entries {
		name := path.Clean(entry.Name)
		if name == "." || name == ".." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
			_ = tw.Close()
			_ = encoder.Close()
			return Bundle{}, fmt.Errorf("invalid entry name %q", entry.Name)
		}
		header := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(entry.Data)),
			ModTime:  modTime.UTC(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return Bundle{}, fmt.Errorf("write %s header: %w", name, err)
		}
		if _, err := tw.Write(entry.Data); err != nil {
			return Bundle{}, fmt.Errorf("write %s body: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return Bundle{}, fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return Bundle{}, fmt.Errorf("close zstd: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return Bundle{Data: buf.Bytes(), SHA256: hex.EncodeToString(sum[:])}, nil
}

// Unpack reads every regular file of a .tar.zst.
func Unpack(r io.Reader) ([]Entry, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	var entries []Entry
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", header.Name, err)
		}
		entries = append(entries, Entry{Name: header.Name, Data: data})
	}
	return entries, nil
}

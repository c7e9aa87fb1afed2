package sandbox

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// MaxArchiveBytes bounds the uncompressed size of an extracted payload.
const MaxArchiveBytes = 64 << 20

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// decompress picks the codec from the leading magic bytes. Anything else is
// taken to be an uncompressed tar.
func decompress(data []byte) (io.Reader, func(), error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return r, func() { _ = r.Close() }, nil
	case bytes.HasPrefix(data, zstdMagic):
		r, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return r, r.Close, nil
	default:
		return bytes.NewReader(data), func() {}, nil
	}
}

// ExtractArchive reads a tar archive, plain or compressed with gzip or zstd,
// into a payload map. Directories are implied by file paths; links, devices
// and paths escaping the root are rejected.
func ExtractArchive(data []byte, maxBytes int64) (map[string]string, error) {
	r, closeReader, err := decompress(data)
	if err != nil {
		return nil, err
	}
	defer closeReader()

	tarReader := tar.NewReader(r)
	files := make(map[string]string)
	var total int64

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading tar: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if _, err := cleanPayloadPath(header.Name); err != nil {
				return nil, err
			}
			continue
		case tar.TypeReg:
		default:
			return nil, fmt.Errorf("unsupported file type in tar: %s (%c)", header.Name, header.Typeflag)
		}

		name, err := cleanPayloadPath(header.Name)
		if err != nil {
			return nil, err
		}

		total += header.Size
		if total > maxBytes {
			return nil, fmt.Errorf("archive exceeds %d bytes", maxBytes)
		}

		content, err := io.ReadAll(io.LimitReader(tarReader, header.Size))
		if err != nil {
			return nil, fmt.Errorf("failed to read file content: %w", err)
		}
		files[name] = string(content)
	}

	return files, nil
}

// CreateTarGz packs a payload map, mostly for clients and tests.
func CreateTarGz(files map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	for name, content := range files {
		header := &tar.Header{
			Name:     name,
			Mode:     FilePermission,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return nil, err
		}
		if _, err := io.WriteString(tarWriter, content); err != nil {
			return nil, err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// cleanPayloadPath normalizes a relative slash-separated path and rejects
// absolute paths and traversal.
func cleanPayloadPath(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty path in payload")
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("absolute path not allowed in payload: %s", name)
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("invalid path in payload: %q", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe relative path in payload: %s", name)
	}
	if clean == "." {
		return "", fmt.Errorf("invalid path in payload: %s", name)
	}
	return clean, nil
}

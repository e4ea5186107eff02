package backup

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

type Codec string

const (
	CodecZstd   Codec = "zstd"
	CodecBrotli Codec = "br"
)

// Ext returns file extension for compressed files, including the dot
func (c Codec) Ext() string {
	switch c {
	case CodecZstd:
		return ".zst"
	case CodecBrotli:
		return ".br"
	}
	return ""
}

// ParseCodec parses codec name as given on command line
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "zstd", "zst":
		return CodecZstd, nil
	case "br", "brotli":
		return CodecBrotli, nil
	}
	return "", fmt.Errorf("unknown codec '%s', use 'zstd' or 'br'", s)
}

// CodecForPath picks the codec based on file extension
func CodecForPath(path string) (Codec, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".zst":
		return CodecZstd, nil
	case ".br":
		return CodecBrotli, nil
	}
	return "", fmt.Errorf("can't tell compression of '%s' from extension '%s'", path, ext)
}

func newWriter(dst io.Writer, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case CodecZstd:
		// SpeedBestCompression is much slower and not much better
		return zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	case CodecBrotli:
		return brotli.NewWriterLevel(dst, brotli.BestCompression), nil
	}
	return nil, fmt.Errorf("unknown codec '%s'", codec)
}

// Compress compresses src into dst, returns number of uncompressed bytes
func Compress(dst io.Writer, src io.Reader, codec Codec) (int64, error) {
	w, err := newWriter(dst, codec)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, src)
	err2 := w.Close()
	if err != nil {
		return n, err
	}
	return n, err2
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (r zstdReadCloser) Close() error {
	r.Decoder.Close()
	return nil
}

// Decompress returns a reader of uncompressed content of src
func Decompress(src io.Reader, codec Codec) (io.ReadCloser, error) {
	switch codec {
	case CodecZstd:
		zr, err := zstd.NewReader(src)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{zr}, nil
	case CodecBrotli:
		return io.NopCloser(brotli.NewReader(src)), nil
	}
	return nil, fmt.Errorf("unknown codec '%s'", codec)
}

// CompressFile returns compressed content of file at path
func CompressFile(path string, codec Codec) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err = Compress(&buf, f, codec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

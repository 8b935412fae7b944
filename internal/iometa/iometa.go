// Package iometa contains small io helpers used by the packager's module
// serializer and bundle writer: zero padding, byte counting, and turning a
// plain io.Reader into an io.ReadCloser where an API demands one.
package iometa

import (
	"errors"
	"fmt"
	"io"
)

var errInvalidWhence = errors.New("invalid whence argument")

// Closifier adapts an io.Reader to io.ReadCloser with a no-op Close, for
// callers that only ever hand out in-memory readers (module section data,
// string table bytes) but still need to satisfy a ReadCloser-shaped API.
type Closifier struct {
	io.Reader
}

func (*Closifier) Close() error {
	return nil
}

// ZeroReader reads Size zero bytes before returning io.EOF. It backs
// WriteZeros, and is also Seek-able so it can stand in for the BSS contents
// of a NOBITS-style section during padding calculations.
type ZeroReader struct {
	Size int

	offset int
}

func (r *ZeroReader) Read(buff []byte) (int, error) {
	bytesToWrite := min(len(buff), r.Size-r.offset)

	for i := 0; i < bytesToWrite; i++ {
		buff[i] = 0
	}

	r.offset += bytesToWrite

	if r.offset == r.Size {
		return bytesToWrite, io.EOF
	}

	return bytesToWrite, nil
}

func (r *ZeroReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekCurrent:
		r.offset += int(offset)
	case io.SeekEnd:
		r.offset = r.Size
	case io.SeekStart:
		r.offset = int(offset)
	default:
		return -1, errInvalidWhence
	}

	return int64(r.offset), nil
}

// WriteZeros writes count zero bytes to w; used for alignment padding
// between module sections, the import-module array, and reloc streams.
func WriteZeros(w io.Writer, count int) error {
	if count <= 0 {
		return nil
	}

	r := &ZeroReader{Size: count}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("failed to write zeros: %w", err)
	}

	return nil
}

// CountingWriter wraps an io.Writer and tracks the number of bytes written
// through it, so a caller streaming output (the bundle writer) can report
// how many bytes it wrote.
type CountingWriter struct {
	Writer       io.Writer
	bytesWritten int
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	written, err := c.Writer.Write(p)
	c.bytesWritten += written

	return written, err
}

func (c *CountingWriter) BytesWritten() int {
	return c.bytesWritten
}

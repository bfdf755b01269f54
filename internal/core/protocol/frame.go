package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/notesync/pkg/generic"
)

// HeaderSize is the fixed frame header: payload length then xxhash64 of the payload.
const HeaderSize = 12

// pooledFrameCap keeps one huge frame from pinning its buffer in the pool
const pooledFrameCap = 1 << 20

var framePool = generic.NewPool(func() *[]byte {
	b := make([]byte, 0, 4096)
	return &b
}, func(b *[]byte) {
	*b = (*b)[:0]
})

// EncodeFrame wraps payload as [uint32 length][uint64 checksum][payload]
func EncodeFrame(payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
}

// AppendFrame appends the frame of payload to dst
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	dst = binary.BigEndian.AppendUint64(dst, xxhash.Sum64(payload))
	return append(dst, payload...)
}

// DecodeFrame unwraps the first frame in buf and returns its payload and
// the number of bytes consumed.
func DecodeFrame(buf []byte, maxSize uint32) ([]byte, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedRecord, len(buf))
	}
	size := binary.BigEndian.Uint32(buf[0:4])
	if maxSize > 0 && size > maxSize {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}
	end := HeaderSize + int(size)
	if len(buf) < end {
		return nil, 0, fmt.Errorf("%w: short payload (%d of %d bytes)", ErrMalformedRecord, len(buf)-HeaderSize, size)
	}
	payload := buf[HeaderSize:end]
	if xxhash.Sum64(payload) != binary.BigEndian.Uint64(buf[4:12]) {
		return nil, 0, ErrChecksumMismatch
	}
	return payload, end, nil
}

// WithFrame frames payload into a pooled buffer and hands it to fn. The
// buffer is reused once fn returns, so fn must not retain it.
func WithFrame(payload []byte, fn func(frame []byte) error) error {
	buf := framePool.Get()
	*buf = AppendFrame(*buf, payload)
	err := fn(*buf)
	if cap(*buf) <= pooledFrameCap {
		framePool.Put(buf)
	}
	return err
}

// WriteFrame writes one frame to w
func WriteFrame(w io.Writer, payload []byte) error {
	return WithFrame(payload, func(frame []byte) error {
		_, err := w.Write(frame)
		return err
	})
}

// ReadFrame reads one frame from r. It returns io.EOF only when r ends
// cleanly on a frame boundary; a partial frame yields ErrMalformedRecord.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: header: %w", ErrMalformedRecord, err)
	}
	size := binary.BigEndian.Uint32(header[0:4])
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrMalformedRecord, err)
	}
	if xxhash.Sum64(payload) != binary.BigEndian.Uint64(header[4:12]) {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}

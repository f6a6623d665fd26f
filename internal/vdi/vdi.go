// Package vdi validates VirtualBox disk-image headers before any byte of an
// upload leaves the process.
package vdi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is how much of the stream is buffered for validation.
	HeaderSize = 0x178

	// diskSizeOffset is the little-endian uint64 virtual-disk-size field.
	diskSizeOffset = 0x170
)

// signature is the "<<< Oracle" prefix of the VDI file comment.
var signature = []byte{0x3C, 0x3C, 0x3C, 0x20, 0x4F, 0x72, 0x61, 0x63, 0x6C, 0x65}

var ErrInvalidImage = errors.New("invalid_vdi_image")

// Header carries the fields the engine cares about.
type Header struct {
	DiskSize uint64
}

// ReadHeader consumes HeaderSize bytes from r, validates the signature and
// the declared virtual-disk size against maxSize (0 disables the size
// check), and returns the header together with a reader that replays the
// full stream, header included.
func ReadHeader(r io.Reader, maxSize int64) (Header, io.Reader, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, nil, fmt.Errorf("%w: stream shorter than header (%v)", ErrInvalidImage, err)
	}
	if !bytes.HasPrefix(buf, signature) {
		return Header{}, nil, fmt.Errorf("%w: signature mismatch", ErrInvalidImage)
	}
	size := binary.LittleEndian.Uint64(buf[diskSizeOffset:])
	if maxSize > 0 && size > uint64(maxSize) {
		return Header{}, nil, fmt.Errorf("%w: declared disk size %d exceeds maximum %d", ErrInvalidImage, size, maxSize)
	}
	return Header{DiskSize: size}, io.MultiReader(bytes.NewReader(buf), r), nil
}

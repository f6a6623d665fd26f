package vdi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

const testMax = int64(10 * 1024 * 1024 * 1024)

func validHeader(diskSize uint64) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf, []byte("<<< Oracle VM VirtualBox Disk Image >>>"))
	binary.LittleEndian.PutUint64(buf[0x170:], diskSize)
	return buf
}

func TestReadHeaderAccepts(t *testing.T) {
	body := []byte("disk payload follows the header")
	stream := bytes.NewReader(append(validHeader(4096), body...))

	hdr, full, err := ReadHeader(stream, testMax)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if hdr.DiskSize != 4096 {
		t.Errorf("DiskSize = %d, want 4096", hdr.DiskSize)
	}

	// The returned reader must replay the untouched stream.
	got, err := io.ReadAll(full)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != HeaderSize+len(body) {
		t.Errorf("replayed stream length = %d, want %d", len(got), HeaderSize+len(body))
	}
	if !bytes.Equal(got[HeaderSize:], body) {
		t.Error("replayed stream body differs from input")
	}
}

func TestReadHeaderAcceptsExactMax(t *testing.T) {
	if _, _, err := ReadHeader(bytes.NewReader(validHeader(uint64(testMax))), testMax); err != nil {
		t.Fatalf("size == max should be accepted: %v", err)
	}
}

func TestReadHeaderRejects(t *testing.T) {
	mismatched := validHeader(4096)
	mismatched[0] = 0x00

	cases := []struct {
		name   string
		stream []byte
	}{
		{name: "signature mismatch", stream: mismatched},
		{name: "oversize", stream: validHeader(uint64(testMax) + 1)},
		{name: "short stream", stream: validHeader(4096)[:10]},
		{name: "empty stream", stream: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ReadHeader(bytes.NewReader(tc.stream), testMax)
			if !errors.Is(err, ErrInvalidImage) {
				t.Fatalf("err = %v, want ErrInvalidImage", err)
			}
		})
	}
}

package transport

import (
	"fmt"
	"io"

	"github.com/stoq-io/stoq/pkg/varint"
)

// maxFramedMessage bounds a single read (a length-prefixed handshake
// parameter message, or the whole of a stream-carried frame/payload) to
// guard against a malicious or buggy peer sending an unbounded amount.
const maxFramedMessage = 16 * 1024 * 1024

// writeFramed writes a varint-length-prefixed message, used for the
// handshake parameter exchange over the dedicated first stream.
func writeFramed(w io.Writer, b []byte) error {
	if _, err := w.Write(varint.Append(nil, uint64(len(b)))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readFramed reads one varint-length-prefixed message.
func readFramed(r io.Reader) ([]byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &singleByteReader{r}
	}

	n, err := varint.Read(br)
	if err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if n > maxFramedMessage {
		return nil, fmt.Errorf("framed message too large: %d bytes", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// singleByteReader adapts an io.Reader without ReadByte (e.g. quic.Stream)
// to io.ByteReader.
type singleByteReader struct {
	r io.Reader
}

func (s *singleByteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(s.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

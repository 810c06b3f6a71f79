package proxy

import (
	"io"

	"github.com/pgfunnel/pgfunnel/internal/wire"
)

// frameReader pumps a connection's bytes through a wire.Decoder and yields
// complete frames. Parsing stays in the codec; only the reads live here.
type frameReader struct {
	r   io.Reader
	dec *wire.Decoder
	buf []byte
}

func newStartupReader(r io.Reader) *frameReader {
	return &frameReader{r: r, dec: wire.NewStartupDecoder(), buf: make([]byte, 8192)}
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r, dec: wire.NewDecoder(), buf: make([]byte, 8192)}
}

// setSource swaps the underlying reader after a TLS upgrade. Any bytes
// already buffered in the decoder are kept.
func (fr *frameReader) setSource(r io.Reader) {
	fr.r = r
}

func (fr *frameReader) next() (*wire.Message, error) {
	for {
		msg, err := fr.dec.Next()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		n, err := fr.r.Read(fr.buf)
		if n > 0 {
			fr.dec.Feed(fr.buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

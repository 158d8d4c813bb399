package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/drummonds/pdfsanitize/failure"
)

const flagFatal = 1 << 0

type frameHeader struct {
	typ    Type
	index  uint32
	length uint32
}

// WriteMessage encodes m as a single frame on w. PageData larger than
// MaxChunkSize must be split by the caller, see WritePage.
func WriteMessage(w io.Writer, m Message) error {
	var body []byte
	var payload []byte
	index := m.Index

	switch m.Type {
	case TypePageHeader:
		body = make([]byte, pageHeaderBodySize)
		binary.BigEndian.PutUint32(body[0:4], m.Width)
		binary.BigEndian.PutUint32(body[4:8], m.Height)
		binary.BigEndian.PutUint64(body[8:16], m.Length)
	case TypePageData:
		if len(m.Data) > MaxChunkSize {
			return fmt.Errorf("%w: PageData chunk of %d bytes exceeds %d", failure.ErrProtocol, len(m.Data), MaxChunkSize)
		}
		payload = m.Data
	case TypePageError:
		var flags byte
		if m.Fatal {
			flags |= flagFatal
		}
		body = append([]byte{flags}, m.Reason...)
	case TypeEndOfStream:
		index = 0
	case TypeDocumentInfo:
		index = 0
		body = binary.BigEndian.AppendUint32(nil, m.Pages)
	case TypeDocument:
		index = 0
		payload = m.Data
	default:
		return fmt.Errorf("%w: cannot encode %s", failure.ErrProtocol, m.Type)
	}

	length := len(body) + len(payload)
	if uint64(length) > math.MaxUint32 {
		return fmt.Errorf("%w: %s body of %d bytes exceeds frame limit", failure.ErrProtocol, m.Type, length)
	}

	frame := make([]byte, HeaderSize, HeaderSize+len(body))
	frame[0] = byte(m.Type)
	binary.BigEndian.PutUint32(frame[1:5], index)
	binary.BigEndian.PutUint32(frame[5:9], uint32(length))
	frame = append(frame, body...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: write %s: %w", failure.ErrIO, m.Type, err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("%w: write %s payload: %w", failure.ErrIO, m.Type, err)
		}
	}
	return nil
}

// WritePage writes a PageHeader followed by pixels split into PageData
// chunks.
func WritePage(w io.Writer, index, width, height uint32, pixels []byte) error {
	hdr := PageHeader(index, width, height)
	if uint64(len(pixels)) != hdr.Length {
		return fmt.Errorf("%w: page %d has %d bytes, want %d", failure.ErrProtocol, index, len(pixels), hdr.Length)
	}
	if err := WriteMessage(w, hdr); err != nil {
		return err
	}
	for len(pixels) > 0 {
		n := min(len(pixels), MaxChunkSize)
		if err := WriteMessage(w, PageData(index, pixels[:n])); err != nil {
			return err
		}
		pixels = pixels[n:]
	}
	return nil
}

// ReadMessage decodes exactly one frame from r. A clean end of stream at a frame
// boundary is an I/O error; anything truncated, malformed or out of bounds is a
// protocol error. No partially populated Message is ever returned.
func ReadMessage(r io.Reader, lim Limits) (Message, error) {
	h, err := readHeader(r)
	if err != nil {
		return Message{}, err
	}
	if err := checkHeader(h, lim); err != nil {
		return Message{}, err
	}
	return readBody(r, h, lim)
}

func readHeader(r io.Reader) (frameHeader, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return frameHeader{}, fmt.Errorf("%w: stream closed", failure.ErrIO)
		case errors.Is(err, io.ErrUnexpectedEOF):
			return frameHeader{}, fmt.Errorf("%w: truncated frame header", failure.ErrProtocol)
		default:
			return frameHeader{}, fmt.Errorf("%w: read frame header: %w", failure.ErrIO, err)
		}
	}
	return frameHeader{
		typ:    Type(buf[0]),
		index:  binary.BigEndian.Uint32(buf[1:5]),
		length: binary.BigEndian.Uint32(buf[5:9]),
	}, nil
}

// checkHeader validates the header fields alone, before the body is read.
func checkHeader(h frameHeader, lim Limits) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", failure.ErrProtocol, h.typ, fmt.Sprintf(format, args...))
	}
	switch h.typ {
	case TypePageHeader:
		if h.index == 0 || h.index > lim.MaxPages {
			return bad("page index %d out of range [1, %d]", h.index, lim.MaxPages)
		}
		if h.length != pageHeaderBodySize {
			return bad("body length %d, want %d", h.length, pageHeaderBodySize)
		}
	case TypePageData:
		if h.index == 0 || h.index > lim.MaxPages {
			return bad("page index %d out of range [1, %d]", h.index, lim.MaxPages)
		}
		if h.length == 0 || h.length > MaxChunkSize {
			return bad("payload length %d out of range [1, %d]", h.length, MaxChunkSize)
		}
	case TypePageError:
		if h.index > lim.MaxPages {
			return bad("page index %d exceeds %d", h.index, lim.MaxPages)
		}
		if h.length == 0 || h.length > 1+lim.MaxReason {
			return bad("body length %d out of range [1, %d]", h.length, 1+lim.MaxReason)
		}
	case TypeEndOfStream:
		if h.index != 0 || h.length != 0 {
			return bad("unexpected index %d / length %d", h.index, h.length)
		}
	case TypeDocumentInfo:
		if h.index != 0 || h.length != 4 {
			return bad("unexpected index %d / length %d", h.index, h.length)
		}
	case TypeDocument:
		if h.index != 0 {
			return bad("unexpected index %d", h.index)
		}
		if h.length == 0 || h.length > lim.MaxDocumentSize {
			return bad("document length %d out of range [1, %d]", h.length, lim.MaxDocumentSize)
		}
	default:
		return fmt.Errorf("%w: unknown frame type %d", failure.ErrProtocol, uint8(h.typ))
	}
	return nil
}

func readBody(r io.Reader, h frameHeader, lim Limits) (Message, error) {
	var body []byte
	if h.length > 0 {
		body = make([]byte, h.length)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Message{}, fmt.Errorf("%w: %s: truncated body", failure.ErrProtocol, h.typ)
			}
			return Message{}, fmt.Errorf("%w: read %s body: %w", failure.ErrIO, h.typ, err)
		}
	}

	m := Message{Type: h.typ, Index: h.index}
	switch h.typ {
	case TypePageHeader:
		m.Width = binary.BigEndian.Uint32(body[0:4])
		m.Height = binary.BigEndian.Uint32(body[4:8])
		m.Length = binary.BigEndian.Uint64(body[8:16])
		if !lim.CheckDimensions(m.Width, m.Height) {
			return Message{}, fmt.Errorf("%w: page %d: dimensions %dx%d out of bounds", failure.ErrProtocol, m.Index, m.Width, m.Height)
		}
		if m.Length != uint64(m.Width)*uint64(m.Height)*BytesPerPixel {
			return Message{}, fmt.Errorf("%w: page %d: payload length %d does not match %dx%d RGB", failure.ErrProtocol, m.Index, m.Length, m.Width, m.Height)
		}
	case TypePageData, TypeDocument:
		m.Data = body
	case TypePageError:
		if body[0]&^flagFatal != 0 {
			return Message{}, fmt.Errorf("%w: page %d: unknown error flags %#x", failure.ErrProtocol, m.Index, body[0])
		}
		reason := body[1:]
		if !utf8.Valid(reason) {
			return Message{}, fmt.Errorf("%w: page %d: reason is not valid UTF-8", failure.ErrProtocol, m.Index)
		}
		m.Fatal = body[0]&flagFatal != 0
		m.Reason = string(reason)
	case TypeDocumentInfo:
		m.Pages = binary.BigEndian.Uint32(body)
		if m.Pages == 0 || m.Pages > lim.MaxPages {
			return Message{}, fmt.Errorf("%w: page count %d out of range [1, %d]", failure.ErrProtocol, m.Pages, lim.MaxPages)
		}
	}
	return m, nil
}

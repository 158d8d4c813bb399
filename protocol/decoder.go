package protocol

import (
	"fmt"
	"io"

	"github.com/drummonds/pdfsanitize/failure"
)

// Decoder reads the server's reply stream and enforces its grammar:
//
//	DocumentInfo (PageHeader PageData+ | PageError)* EndOfStream
//
// Page indexes must run 1..N without gaps, where N is the announced page count.
// The PageData frames of a page carry exactly the length its header declared.
// A fatal PageError may appear anywhere and terminates the stream.
type Decoder struct {
	r   io.Reader
	lim Limits

	pages   uint32
	last    uint32
	pending *Message
	// remaining is the part of the pending page's payload not yet read.
	remaining uint64
	done      bool
}

// NewDecoder returns a Decoder reading frames from r.
func NewDecoder(r io.Reader, lim Limits) *Decoder {
	return &Decoder{r: r, lim: lim}
}

// Pages returns the announced page count, or 0 before DocumentInfo.
func (d *Decoder) Pages() uint32 {
	return d.pages
}

// Next returns the next validated message.
func (d *Decoder) Next() (Message, error) {
	if d.done {
		return Message{}, fmt.Errorf("%w: read past end of stream", failure.ErrProtocol)
	}

	h, err := readHeader(d.r)
	if err != nil {
		return Message{}, err
	}
	if err := checkHeader(h, d.lim); err != nil {
		return Message{}, err
	}
	// Order is checked on the header so that an unexpected payload is never
	// allocated.
	if err := d.checkOrder(h); err != nil {
		return Message{}, err
	}

	m, err := readBody(d.r, h, d.lim)
	if err != nil {
		return Message{}, err
	}
	if err := d.advance(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (d *Decoder) checkOrder(h frameHeader) error {
	outOfOrder := func(format string, args ...any) error {
		return fmt.Errorf("%w: unexpected %s: %s", failure.ErrProtocol, h.typ, fmt.Sprintf(format, args...))
	}

	if d.pending != nil {
		if h.typ != TypePageData || h.index != d.pending.Index {
			return outOfOrder("expected PageData for page %d", d.pending.Index)
		}
		if uint64(h.length) > d.remaining {
			return outOfOrder("payload chunk of %d bytes, only %d of %d left", h.length, d.remaining, d.pending.Length)
		}
		return nil
	}

	switch h.typ {
	case TypeDocumentInfo:
		if d.pages != 0 {
			return outOfOrder("page count already announced")
		}
	case TypePageHeader:
		if d.pages == 0 {
			return outOfOrder("page before DocumentInfo")
		}
		if h.index != d.last+1 || h.index > d.pages {
			return outOfOrder("page %d after page %d of %d", h.index, d.last, d.pages)
		}
	case TypePageData:
		return outOfOrder("PageData without PageHeader")
	case TypePageError:
		// Fatal errors are allowed anywhere; the flag is only known after the
		// body is read, so the index rule is applied in advance.
	case TypeEndOfStream:
		if d.pages == 0 || d.last != d.pages {
			return outOfOrder("only %d of %d pages delivered", d.last, d.pages)
		}
	case TypeDocument:
		return outOfOrder("documents only travel to the server")
	}
	return nil
}

func (d *Decoder) advance(m Message) error {
	switch m.Type {
	case TypeDocumentInfo:
		d.pages = m.Pages
	case TypePageHeader:
		hdr := m
		d.pending = &hdr
		d.remaining = m.Length
	case TypePageData:
		d.remaining -= uint64(len(m.Data))
		if d.remaining == 0 {
			d.pending = nil
			d.last = m.Index
		}
	case TypePageError:
		if m.Fatal {
			d.done = true
			return nil
		}
		if d.pages == 0 || m.Index != d.last+1 || m.Index > d.pages {
			return fmt.Errorf("%w: unexpected PageError for page %d after page %d of %d", failure.ErrProtocol, m.Index, d.last, d.pages)
		}
		d.last = m.Index
	case TypeEndOfStream:
		d.done = true
	}
	return nil
}

// Package protocol implements the length-prefixed frame codec spoken between the
// trusted client and the disposable rendering server.
//
// Every frame is a fixed 9-byte big-endian header {type u8, index u32, length u32}
// followed by exactly length body bytes. The reader validates every numeric field
// against Limits before it allocates anything for the body.
//
// A page's pixels follow its PageHeader as one or more PageData frames of at
// most MaxChunkSize bytes each, whose lengths add up to the header's declared
// payload length.
package protocol

import "fmt"

// Type is the frame type tag.
type Type uint8

const (
	TypePageHeader   Type = 1
	TypePageData     Type = 2
	TypePageError    Type = 3
	TypeEndOfStream  Type = 4
	TypeDocumentInfo Type = 5
	TypeDocument     Type = 6
)

// HeaderSize is the size of the fixed frame header.
const HeaderSize = 9

// pageHeaderBodySize is width (u32), height (u32) and payload length (u64).
const pageHeaderBodySize = 16

// BytesPerPixel is the sample layout of PageData: packed 8-bit RGB.
const BytesPerPixel = 3

func (t Type) String() string {
	switch t {
	case TypePageHeader:
		return "PageHeader"
	case TypePageData:
		return "PageData"
	case TypePageError:
		return "PageError"
	case TypeEndOfStream:
		return "EndOfStream"
	case TypeDocumentInfo:
		return "DocumentInfo"
	case TypeDocument:
		return "Document"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Message is one decoded frame. Only the fields of its Type are meaningful.
type Message struct {
	Type   Type
	Index  uint32 // 1-based page index; 0 for document-level frames
	Width  uint32 // PageHeader
	Height uint32 // PageHeader
	Length uint64 // PageHeader: declared payload length over all PageData frames
	Pages  uint32 // DocumentInfo
	Fatal  bool   // PageError
	Reason string // PageError
	Data   []byte // PageData, Document
}

// PageHeader announces a rendered page of width x height RGB pixels.
func PageHeader(index, width, height uint32) Message {
	return Message{
		Type:   TypePageHeader,
		Index:  index,
		Width:  width,
		Height: height,
		Length: uint64(width) * uint64(height) * BytesPerPixel,
	}
}

// PageData carries the pixel payload announced by the preceding PageHeader, or
// one chunk of it.
func PageData(index uint32, data []byte) Message {
	return Message{Type: TypePageData, Index: index, Data: data}
}

// PageError reports a page that could not be rendered. Index 0 refers to the
// whole document. A fatal PageError ends the stream.
func PageError(index uint32, fatal bool, reason string) Message {
	return Message{Type: TypePageError, Index: index, Fatal: fatal, Reason: reason}
}

// EndOfStream marks the end of a complete conversion.
func EndOfStream() Message {
	return Message{Type: TypeEndOfStream}
}

// DocumentInfo announces the page count before any page frame.
func DocumentInfo(pages uint32) Message {
	return Message{Type: TypeDocumentInfo, Pages: pages}
}

// Document carries the untrusted input from the client to the server.
func Document(data []byte) Message {
	return Message{Type: TypeDocument, Data: data}
}

func (m Message) String() string {
	switch m.Type {
	case TypePageHeader:
		return fmt.Sprintf("PageHeader(%d, %dx%d, %d bytes)", m.Index, m.Width, m.Height, m.Length)
	case TypePageData:
		return fmt.Sprintf("PageData(%d, %d bytes)", m.Index, len(m.Data))
	case TypePageError:
		return fmt.Sprintf("PageError(%d, fatal=%t, %q)", m.Index, m.Fatal, m.Reason)
	case TypeDocumentInfo:
		return fmt.Sprintf("DocumentInfo(%d pages)", m.Pages)
	case TypeDocument:
		return fmt.Sprintf("Document(%d bytes)", len(m.Data))
	default:
		return m.Type.String()
	}
}

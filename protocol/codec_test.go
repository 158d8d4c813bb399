package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drummonds/pdfsanitize/failure"
)

var testLimits = NewLimits(75, 100, 1<<20)

func encode(t *testing.T, msgs ...Message) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, WriteMessage(&buf, m))
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	pixels := bytes.Repeat([]byte{0x10, 0x20, 0x30}, 4*3)
	messages := []Message{
		PageHeader(1, 4, 3),
		PageData(1, pixels),
		PageError(2, false, "page 2 timed out"),
		PageError(0, true, "not a PDF"),
		PageError(7, false, ""),
		EndOfStream(),
		DocumentInfo(42),
		Document([]byte("%PDF-1.7\n...")),
	}

	for _, m := range messages {
		t.Run(m.Type.String(), func(t *testing.T) {
			got, err := ReadMessage(bytes.NewReader(encode(t, m)), testLimits)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestReadMessageWithheldBytes(t *testing.T) {
	pixels := bytes.Repeat([]byte{0xAB}, 5*2*BytesPerPixel)
	frame := encode(t, PageData(3, pixels))

	for k := 0; k < len(frame); k++ {
		got, err := ReadMessage(bytes.NewReader(frame[:k]), testLimits)
		require.Error(t, err, "withheld from byte %d", k)
		assert.True(t, errors.Is(err, failure.ErrProtocol) || errors.Is(err, failure.ErrIO), "byte %d: %v", k, err)
		assert.Equal(t, Message{}, got)
	}
}

func TestReadMessageCleanCloseIsIOError(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(nil), testLimits)
	require.ErrorIs(t, err, failure.ErrIO)
	assert.NotErrorIs(t, err, failure.ErrProtocol)
}

func TestReadMessageTruncatedIsProtocolError(t *testing.T) {
	frame := encode(t, PageHeader(1, 2, 2))
	_, err := ReadMessage(bytes.NewReader(frame[:HeaderSize+5]), testLimits)
	require.ErrorIs(t, err, failure.ErrProtocol)
}

func rawHeader(typ Type, index, length uint32) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(typ)
	binary.BigEndian.PutUint32(buf[1:5], index)
	binary.BigEndian.PutUint32(buf[5:9], length)
	return buf
}

// failingReader fails the test if anything past the header is read.
type failingReader struct {
	t      *testing.T
	header []byte
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.header) == 0 {
		r.t.Fatal("body read after an out-of-bounds header")
		return 0, io.EOF
	}
	n := copy(p, r.header)
	r.header = r.header[n:]
	return n, nil
}

func TestReadMessageBoundsCheckedBeforeBody(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
	}{
		{"unknown type", rawHeader(99, 0, 4)},
		{"zero type", rawHeader(0, 0, 0)},
		{"huge payload", rawHeader(TypePageData, 1, 0xFFFFFFFF)},
		{"chunk too large", rawHeader(TypePageData, 1, MaxChunkSize+1)},
		{"empty payload", rawHeader(TypePageData, 1, 0)},
		{"page index zero", rawHeader(TypePageHeader, 0, pageHeaderBodySize)},
		{"page index past max", rawHeader(TypePageHeader, 101, pageHeaderBodySize)},
		{"page header wrong size", rawHeader(TypePageHeader, 1, 8)},
		{"long reason", rawHeader(TypePageError, 1, 5000)},
		{"end of stream with body", rawHeader(TypeEndOfStream, 0, 3)},
		{"document too large", rawHeader(TypeDocument, 0, 2<<20)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadMessage(&failingReader{t: t, header: tt.header}, testLimits)
			require.ErrorIs(t, err, failure.ErrProtocol)
			assert.Equal(t, Message{}, got)
		})
	}
}

func TestReadMessageRejectsBadPageHeader(t *testing.T) {
	huge := testLimits.MaxDimension + 1
	tests := []struct {
		name string
		m    Message
	}{
		{"zero width", Message{Type: TypePageHeader, Index: 1, Width: 0, Height: 10, Length: 0}},
		{"too wide", Message{Type: TypePageHeader, Index: 1, Width: huge, Height: 1, Length: uint64(huge) * 3}},
		{"length mismatch", Message{Type: TypePageHeader, Index: 1, Width: 10, Height: 10, Length: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(encode(t, tt.m)), testLimits)
			require.ErrorIs(t, err, failure.ErrProtocol)
		})
	}
}

func TestReadMessageRejectsBadPageError(t *testing.T) {
	frame := append(rawHeader(TypePageError, 1, 3), 0x02, 'h', 'i')
	_, err := ReadMessage(bytes.NewReader(frame), testLimits)
	require.ErrorIs(t, err, failure.ErrProtocol)

	frame = append(rawHeader(TypePageError, 1, 3), 0x00, 0xff, 0xfe)
	_, err = ReadMessage(bytes.NewReader(frame), testLimits)
	require.ErrorIs(t, err, failure.ErrProtocol)
}

func TestReadMessageRejectsBadPageCount(t *testing.T) {
	frame := append(rawHeader(TypeDocumentInfo, 0, 4), 0, 0, 0, 0)
	_, err := ReadMessage(bytes.NewReader(frame), testLimits)
	require.ErrorIs(t, err, failure.ErrProtocol)

	frame = append(rawHeader(TypeDocumentInfo, 0, 4), 0, 0, 1, 0)
	_, err = ReadMessage(bytes.NewReader(frame), testLimits)
	require.ErrorIs(t, err, failure.ErrProtocol)
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriteMessageBrokenPipe(t *testing.T) {
	err := WriteMessage(brokenWriter{}, EndOfStream())
	require.ErrorIs(t, err, failure.ErrIO)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestNewLimits(t *testing.T) {
	lim := NewLimits(300, 10000, 200<<20)
	assert.Equal(t, uint32(60000), lim.MaxDimension)
	assert.Equal(t, uint32(10000), lim.MaxPages)
	assert.Equal(t, uint32(200<<20), lim.MaxDocumentSize)
	assert.True(t, lim.CheckDimensions(2481, 3508))
	assert.False(t, lim.CheckDimensions(0, 10))
	assert.False(t, lim.CheckDimensions(1<<14, 1<<14)) // 256M pixels, past A0 at 300 dpi

	lim = NewLimits(4800, 1, 1<<40)
	assert.Equal(t, uint32(960000), lim.MaxDimension)
	assert.Equal(t, uint32(0xFFFFFFFF), lim.MaxDocumentSize)
}

func TestLimitsScaleWithResolution(t *testing.T) {
	// A4 and Letter at the top of each resolution range.
	pages := []struct {
		name          string
		width, height float64 // inches
	}{
		{"A4", 8.27, 11.69},
		{"Letter", 8.5, 11},
	}
	for _, dpi := range []int{75, 300, 1200, 2400, 4800} {
		lim := NewLimits(dpi, 10000, 200<<20)
		for _, p := range pages {
			w := uint32(p.width*float64(dpi) + 0.5)
			h := uint32(p.height*float64(dpi) + 0.5)
			assert.True(t, lim.CheckDimensions(w, h), "%s at %d dpi (%dx%d)", p.name, dpi, w, h)
		}
	}
	assert.True(t, NewLimits(1200, 1, 1).CheckDimensions(9924, 14028))
}

func TestLimitsWithMaxPageBytes(t *testing.T) {
	lim := NewLimits(1200, 1, 1)
	assert.Equal(t, lim, lim.WithMaxPageBytes(0))

	bounded := lim.WithMaxPageBytes(300 << 20)
	assert.Equal(t, uint64(300<<20)/BytesPerPixel, bounded.MaxPixels)
	assert.False(t, bounded.CheckDimensions(9924, 14028))
	assert.True(t, bounded.CheckDimensions(2481, 3508))

	// A bound above the derived one changes nothing.
	assert.Equal(t, lim, lim.WithMaxPageBytes(1<<50))
}

func TestWritePageSplitsIntoChunks(t *testing.T) {
	const width, height = 1024, 1500 // 4.6 MB of RGB
	pixels := bytes.Repeat([]byte{0x01, 0x02, 0x03}, width*height)
	var buf bytes.Buffer
	require.NoError(t, WritePage(&buf, 1, width, height, pixels))

	lim := NewLimits(300, 1, 1)
	hdr, err := ReadMessage(&buf, lim)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(pixels)), hdr.Length)

	var got []byte
	var chunks int
	for buf.Len() > 0 {
		m, err := ReadMessage(&buf, lim)
		require.NoError(t, err)
		require.Equal(t, TypePageData, m.Type)
		assert.LessOrEqual(t, len(m.Data), MaxChunkSize)
		got = append(got, m.Data...)
		chunks++
	}
	assert.Equal(t, 2, chunks)
	assert.Equal(t, pixels, got)

	require.ErrorIs(t, WritePage(&buf, 1, 2, 2, pixels[:3]), failure.ErrProtocol)
	require.ErrorIs(t, WriteMessage(&buf, PageData(1, make([]byte, MaxChunkSize+1))), failure.ErrProtocol)
}

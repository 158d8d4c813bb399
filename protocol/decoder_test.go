package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drummonds/pdfsanitize/failure"
)

func rgb(w, h uint32) []byte {
	return bytes.Repeat([]byte{0xff}, int(w*h*BytesPerPixel))
}

func drain(d *Decoder) ([]Message, error) {
	var out []Message
	for {
		m, err := d.Next()
		if err != nil {
			return out, err
		}
		out = append(out, m)
		if m.Type == TypeEndOfStream || (m.Type == TypePageError && m.Fatal) {
			return out, nil
		}
	}
}

func TestDecoderAcceptsValidStream(t *testing.T) {
	stream := encode(t,
		DocumentInfo(3),
		PageHeader(1, 2, 2), PageData(1, rgb(2, 2)),
		PageError(2, false, "corrupt content stream"),
		PageHeader(3, 3, 1), PageData(3, rgb(3, 1)),
		EndOfStream(),
	)

	d := NewDecoder(bytes.NewReader(stream), testLimits)
	msgs, err := drain(d)
	require.NoError(t, err)
	require.Len(t, msgs, 7)
	assert.Equal(t, uint32(3), d.Pages())
	assert.Equal(t, TypeEndOfStream, msgs[6].Type)

	_, err = d.Next()
	assert.ErrorIs(t, err, failure.ErrProtocol)
}

func TestDecoderFatalErrorTerminates(t *testing.T) {
	stream := encode(t, PageError(0, true, "not a PDF"))
	msgs, err := drain(NewDecoder(bytes.NewReader(stream), testLimits))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Fatal)
}

func TestDecoderRejectsBadOrder(t *testing.T) {
	tests := []struct {
		name string
		msgs []Message
	}{
		{"page before info", []Message{PageHeader(1, 1, 1)}},
		{"info twice", []Message{DocumentInfo(1), DocumentInfo(1)}},
		{"skipped page", []Message{DocumentInfo(3), PageHeader(2, 1, 1)}},
		{"page past count", []Message{DocumentInfo(1), PageHeader(1, 1, 1), PageData(1, rgb(1, 1)), PageHeader(2, 1, 1)}},
		{"data without header", []Message{DocumentInfo(1), PageData(1, rgb(1, 1))}},
		{"data for other page", []Message{DocumentInfo(2), PageHeader(1, 1, 1), PageData(2, rgb(1, 1))}},
		{"data past declared length", []Message{DocumentInfo(1), PageHeader(1, 1, 1), PageData(1, rgb(2, 1))}},
		{"data interrupted", []Message{DocumentInfo(1), PageHeader(1, 2, 2), PageData(1, rgb(1, 1)), EndOfStream()}},
		{"header interrupted", []Message{DocumentInfo(2), PageHeader(1, 1, 1), PageError(1, false, "x")}},
		{"repeated error", []Message{DocumentInfo(2), PageError(1, false, "x"), PageError(1, false, "y")}},
		{"early end", []Message{DocumentInfo(2), PageHeader(1, 1, 1), PageData(1, rgb(1, 1)), EndOfStream()}},
		{"end before info", []Message{EndOfStream()}},
		{"document from server", []Message{Document([]byte("%PDF"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := drain(NewDecoder(bytes.NewReader(encode(t, tt.msgs...)), testLimits))
			require.ErrorIs(t, err, failure.ErrProtocol)
		})
	}
}

func TestDecoderStreamClosedMidDocument(t *testing.T) {
	stream := encode(t, DocumentInfo(3), PageHeader(1, 1, 1), PageData(1, rgb(1, 1)))
	msgs, err := drain(NewDecoder(bytes.NewReader(stream), testLimits))
	require.ErrorIs(t, err, failure.ErrIO)
	assert.Len(t, msgs, 3)
}

func TestDecoderAcceptsChunkedPage(t *testing.T) {
	stream := encode(t,
		DocumentInfo(2),
		PageHeader(1, 2, 2), PageData(1, rgb(1, 1)), PageData(1, rgb(1, 1)), PageData(1, rgb(2, 1)),
		PageHeader(2, 1, 1), PageData(2, rgb(1, 1)),
		EndOfStream(),
	)

	msgs, err := drain(NewDecoder(bytes.NewReader(stream), testLimits))
	require.NoError(t, err)
	require.Len(t, msgs, 8)
	assert.Equal(t, TypePageHeader, msgs[5].Type)
	assert.Equal(t, uint32(2), msgs[5].Index)
}

func TestDecoderStreamClosedMidPage(t *testing.T) {
	stream := encode(t, DocumentInfo(1), PageHeader(1, 2, 2), PageData(1, rgb(1, 1)))
	msgs, err := drain(NewDecoder(bytes.NewReader(stream), testLimits))
	require.ErrorIs(t, err, failure.ErrIO)
	assert.Len(t, msgs, 3)
}

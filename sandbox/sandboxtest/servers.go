package sandboxtest

import (
	"bytes"
	"context"
	"io"

	"github.com/drummonds/pdfsanitize/protocol"
	"github.com/drummonds/pdfsanitize/sandbox"
)

var limits = protocol.NewLimits(75, 10000, 1<<30)

// Truncating announces pages and then ends the stream after the first sent
// pages, as a crashed environment would.
func Truncating(pages, sent uint32) sandbox.ServeFunc {
	return func(ctx context.Context, r io.Reader, w io.Writer) error {
		if _, err := protocol.ReadMessage(r, limits); err != nil {
			return err
		}
		if err := protocol.WriteMessage(w, protocol.DocumentInfo(pages)); err != nil {
			return err
		}
		for i := uint32(1); i <= sent; i++ {
			if err := writePage(w, i, 4, 4); err != nil {
				return err
			}
		}
		return nil
	}
}

// Hanging announces pages and then never sends one.
func Hanging(pages uint32) sandbox.ServeFunc {
	return func(ctx context.Context, r io.Reader, w io.Writer) error {
		if _, err := protocol.ReadMessage(r, limits); err != nil {
			return err
		}
		if err := protocol.WriteMessage(w, protocol.DocumentInfo(pages)); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

// Raw replies to any document with the given bytes.
func Raw(reply []byte) sandbox.ServeFunc {
	return func(ctx context.Context, r io.Reader, w io.Writer) error {
		if _, err := protocol.ReadMessage(r, limits); err != nil {
			return err
		}
		_, err := w.Write(reply)
		return err
	}
}

// ByContent hands documents containing marker to match and every other
// document to otherwise.
func ByContent(marker []byte, match, otherwise sandbox.Server) sandbox.ServeFunc {
	return func(ctx context.Context, r io.Reader, w io.Writer) error {
		msg, err := protocol.ReadMessage(r, limits)
		if err != nil {
			return err
		}
		var replay bytes.Buffer
		if err := protocol.WriteMessage(&replay, msg); err != nil {
			return err
		}
		if bytes.Contains(msg.Data, marker) {
			return match.Serve(ctx, &replay, w)
		}
		return otherwise.Serve(ctx, &replay, w)
	}
}

func writePage(w io.Writer, index, width, height uint32) error {
	return protocol.WritePage(w, index, width, height, bytes.Repeat([]byte{0xff}, int(width*height*protocol.BytesPerPixel)))
}

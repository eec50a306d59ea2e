// Package attach extracts plain text from chat attachments.
package attach

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/staffd/internal/storage"
)

// MaxTextRunes caps the text kept per attachment.
const MaxTextRunes = 20000

// MaxSize is the largest attachment accepted.
const MaxSize = 10 << 20

var (
	ErrTooLarge = errors.New("attachment too large")
	ErrBadPDF   = errors.New("unreadable pdf")
)

// Input is an uploaded file.
type Input struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Extract returns the stored form of in. Types without a text form are
// kept with an empty Text.
func Extract(in Input) (storage.Attachment, error) {
	if len(in.Data) > MaxSize {
		return storage.Attachment{}, fmt.Errorf("%s: %w", in.Name, ErrTooLarge)
	}
	mt := mediaType(in)
	a := storage.Attachment{Name: in.Name, MimeType: mt, Size: len(in.Data)}

	switch {
	case mt == "application/pdf":
		text, err := pdfText(in.Data)
		if err != nil {
			return a, fmt.Errorf("%s: %w", in.Name, err)
		}
		a.Text = clip(text)
	case isText(mt):
		if !utf8.Valid(in.Data) {
			return a, nil
		}
		a.Text = clip(string(in.Data))
	}
	return a, nil
}

func mediaType(in Input) string {
	if mt, _, err := mime.ParseMediaType(in.MimeType); err == nil && mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if bytes.HasPrefix(in.Data, []byte("%PDF-")) {
		return "application/pdf"
	}
	switch strings.ToLower(filepath.Ext(in.Name)) {
	case ".pdf":
		return "application/pdf"
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt", ".log":
		return "text/plain"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

func isText(mt string) bool {
	return strings.HasPrefix(mt, "text/") || mt == "application/json" || mt == "application/x-yaml"
}

// pdfText reads every page's plain text. The parser panics on some
// malformed input, which is reported as ErrBadPDF.
func pdfText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBadPDF, r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPDF, err)
	}
	rd, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPDF, err)
	}
	b, err := io.ReadAll(io.LimitReader(rd, MaxTextRunes*4))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPDF, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxTextRunes {
		return s
	}
	return string([]rune(s)[:MaxTextRunes])
}

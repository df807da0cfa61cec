package utils

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
)

type FormField struct {
	Name  string
	Value string
}

type FormFile struct {
	Field       string
	Name        string
	ContentType string
	Body        io.Reader
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// StreamMultipart encodes fields then files as multipart/form-data into a
// pipe. The returned reader must be consumed or closed; closing it early
// stops the writer goroutine with an error.
func StreamMultipart(fields []FormField, files []FormFile) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeParts(mw, fields, files))
	}()
	return pr, mw.FormDataContentType()
}

func writeParts(mw *multipart.Writer, fields []FormField, files []FormFile) error {
	for _, f := range fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return fmt.Errorf("write field %s: %w", f.Name, err)
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(f.Field), quoteEscaper.Replace(f.Name)))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)

		part, err := mw.CreatePart(h)
		if err != nil {
			return fmt.Errorf("create part %s: %w", f.Name, err)
		}
		if _, err := io.Copy(part, f.Body); err != nil {
			return fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}
	return mw.Close()
}

package store

import (
	"encoding/base64"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MaxPreviewBytes caps the size of images that get an inline data-URI preview.
const MaxPreviewBytes = 2 << 20

// NewAttachment builds an attachment from a selected file. When mimeType is
// empty it is guessed from the extension, then by sniffing the payload.
func NewAttachment(name, mimeType string, data []byte) Attachment {
	if mimeType == "" {
		mimeType = DetectMIME(name, data)
	}
	return Attachment{
		ID:       uuid.NewString(),
		Name:     filepath.Base(name),
		Kind:     KindOf(mimeType),
		MIMEType: mimeType,
		Size:     int64(len(data)),
		Data:     data,
	}
}

// KindOf classifies a MIME type as image or generic file.
func KindOf(mimeType string) AttachmentKind {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/") {
		return KindImage
	}
	return KindFile
}

func DetectMIME(name string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// RenderPreview fills a.Preview with a data URI for images small enough to
// inline. Non-images and oversize images are left without a preview.
func RenderPreview(a *Attachment) {
	if a.Kind != KindImage || len(a.Data) == 0 || len(a.Data) > MaxPreviewBytes {
		return
	}
	mediaType, _, err := mime.ParseMediaType(a.MIMEType)
	if err != nil {
		mediaType = a.MIMEType
	}
	a.Preview = "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

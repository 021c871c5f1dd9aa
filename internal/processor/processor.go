/**
 * Document intake
 *
 * Turns raw selected bytes into a Document: detects the real MIME type from
 * magic bytes, enforces size limits, counts PDF pages and renders a thumbnail
 * for images.
 */

package processor

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"mime"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

const defaultThumbnailWidth = 256

// maxThumbnailPixels bounds the images Thumbnail will decode (a 10000x10000 scan)
const maxThumbnailPixels = 100_000_000

var supportedTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"image/tiff":      true,
	"image/bmp":       true,
}

// Item is one piece of raw input selected by the user
type Item struct {
	Filename string
	Data     []byte
	MIMEType string // optional hint, verified against content
}

// Intake builds Document records from raw input
type Intake struct {
	maxFileSize    int64
	thumbnailWidth int
	logger         *logging.Logger
}

// IntakeOption configures an Intake
type IntakeOption func(*Intake)

// WithThumbnailWidth overrides the thumbnail width in pixels; 0 disables thumbnails
func WithThumbnailWidth(w int) IntakeOption {
	return func(in *Intake) { in.thumbnailWidth = w }
}

// NewIntake creates an intake enforcing maxFileSize (bytes, 0 = unlimited)
func NewIntake(maxFileSize int64, logger *logging.Logger, opts ...IntakeOption) *Intake {
	if logger == nil {
		logger = logging.Nop()
	}
	in := &Intake{
		maxFileSize:    maxFileSize,
		thumbnailWidth: defaultThumbnailWidth,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// NewDocument creates a pending Document from item. The document owns a copy of
// the bytes.
func (in *Intake) NewDocument(item Item) (*models.Document, error) {
	id := uuid.NewString()

	if len(item.Data) == 0 {
		return nil, pipelineerrors.NewExtractionFailedError(id, fmt.Sprintf("%s is empty", item.Filename))
	}
	if in.maxFileSize > 0 && int64(len(item.Data)) > in.maxFileSize {
		return nil, pipelineerrors.NewUploadFailedError(id,
			fmt.Errorf("%s is %d bytes, limit is %d", item.Filename, len(item.Data), in.maxFileSize))
	}

	mimeType := DetectMIMEType(item.Data, item.Filename, item.MIMEType)
	if !supportedTypes[mimeType] {
		return nil, pipelineerrors.NewUnsupportedFormatError(id, mimeType)
	}
	if item.MIMEType != "" && item.MIMEType != mimeType {
		in.logger.Info("Corrected MIME type from magic bytes",
			"filename", item.Filename, "declared", item.MIMEType, "detected", mimeType)
	}

	doc := &models.Document{
		ID:         id,
		Filename:   item.Filename,
		Data:       append([]byte(nil), item.Data...),
		Size:       int64(len(item.Data)),
		MIMEType:   mimeType,
		UploadedAt: time.Now(),
		Status:     models.StatusPending,
		Metadata:   map[string]string{},
	}

	if doc.IsPDF() {
		pages, err := PageCount(doc.Data)
		if err != nil {
			// A PDF pdfcpu cannot read may still be fine for the remote service
			in.logger.Warn("Failed to count PDF pages", "filename", item.Filename, "error", err)
		} else {
			doc.Metadata["pageCount"] = strconv.Itoa(pages)
		}
	} else if in.thumbnailWidth > 0 {
		thumb, err := Thumbnail(doc.Data, in.thumbnailWidth)
		if err != nil {
			in.logger.Warn("Failed to render thumbnail", "filename", item.Filename, "error", err)
		} else {
			doc.Thumbnail = thumb
		}
	}

	in.logger.Debug("Document created",
		"document_id", doc.ID, "filename", doc.Filename, "mime", doc.MIMEType, "size", doc.Size)
	return doc, nil
}

// DetectMIMEType prefers magic bytes, then the declared type, then the file extension
func DetectMIMEType(data []byte, filename, declared string) string {
	if detected := detectMimeTypeFromMagicBytes(data); detected != "" {
		return detected
	}
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		mediaType, _, err := mime.ParseMediaType(byExt)
		if err == nil {
			return mediaType
		}
	}
	return "application/octet-stream"
}

// detectMimeTypeFromMagicBytes detects the actual MIME type from file content magic bytes
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}), bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	}
	return ""
}

// PageCount returns the number of pages in a PDF
func PageCount(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// Thumbnail decodes an image and renders a PNG scaled to width, keeping aspect
// ratio. Images narrower than width are not upscaled.
func Thumbnail(data []byte, width int) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxThumbnailPixels {
		return nil, fmt.Errorf("image is %dx%d, over the %d pixel thumbnail limit", cfg.Width, cfg.Height, maxThumbnailPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("image has no pixels")
	}

	targetW, targetH := b.Dx(), b.Dy()
	if targetW > width {
		targetH = targetH * width / targetW
		if targetH < 1 {
			targetH = 1
		}
		targetW = width
	}

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

package processor

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipelineerrors "github.com/adverant/nexus/labreport-pipeline/internal/errors"
	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		filename string
		declared string
		want     string
	}{
		{"pdf magic", []byte("%PDF-1.7\n..."), "report.bin", "", "application/pdf"},
		{"jpeg magic beats declared", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}, "scan", "image/png", "image/jpeg"},
		{"webp", append([]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), 0), "x", "", "image/webp"},
		{"tiff little endian", []byte{0x49, 0x49, 0x2A, 0x00, 0x08}, "x", "", "image/tiff"},
		{"declared used when no magic", []byte("hello world"), "x", "text/plain", "text/plain"},
		{"extension fallback", []byte("hello world"), "lab.png", "application/octet-stream", "image/png"},
		{"unknown", []byte("hello world"), "lab", "", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectMIMEType(tt.data, tt.filename, tt.declared))
		})
	}
}

func TestIntake_NewDocumentImage(t *testing.T) {
	data := testPNG(t, 600, 300)
	in := NewIntake(10<<20, nil)

	doc, err := in.NewDocument(Item{Filename: "cbc.png", Data: data, MIMEType: "application/octet-stream"})
	require.NoError(t, err)

	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "image/png", doc.MIMEType)
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.Equal(t, int64(len(data)), doc.Size)

	// Document owns its own copy
	data[0] = 0
	assert.Equal(t, byte(0x89), doc.Data[0])

	require.NotEmpty(t, doc.Thumbnail)
	thumb, err := png.Decode(bytes.NewReader(doc.Thumbnail))
	require.NoError(t, err)
	assert.Equal(t, 256, thumb.Bounds().Dx())
	assert.Equal(t, 128, thumb.Bounds().Dy())
}

func TestIntake_Rejections(t *testing.T) {
	in := NewIntake(1024, nil)

	_, err := in.NewDocument(Item{Filename: "empty.png"})
	assert.Equal(t, pipelineerrors.KindExtractionFailed, pipelineerrors.KindOf(err))

	_, err = in.NewDocument(Item{Filename: "big.png", Data: make([]byte, 2048)})
	assert.Equal(t, pipelineerrors.KindUploadFailed, pipelineerrors.KindOf(err))

	_, err = in.NewDocument(Item{Filename: "notes.txt", Data: []byte("just some text")})
	assert.Equal(t, pipelineerrors.KindUnsupported, pipelineerrors.KindOf(err))
	assert.False(t, pipelineerrors.IsRecoverable(err))
}

func TestIntake_BrokenPDFStillAccepted(t *testing.T) {
	in := NewIntake(0, nil)

	doc, err := in.NewDocument(Item{Filename: "broken.pdf", Data: []byte("%PDF-1.4 not really a pdf")})
	require.NoError(t, err)
	assert.True(t, doc.IsPDF())
	assert.Empty(t, doc.Thumbnail)
	_, ok := doc.Metadata["pageCount"]
	assert.False(t, ok)
}

func TestThumbnail_NoUpscale(t *testing.T) {
	out, err := Thumbnail(testPNG(t, 40, 20), 256)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
}

// pngHeader is a PNG that declares w x h in its IHDR chunk but carries no
// pixel data
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := make([]byte, 0, 17)
	chunk = append(chunk, "IHDR"...)
	chunk = binary.BigEndian.AppendUint32(chunk, w)
	chunk = binary.BigEndian.AppendUint32(chunk, h)
	chunk = append(chunk, 8, 2, 0, 0, 0) // 8-bit truecolor, not interlaced

	_ = binary.Write(&buf, binary.BigEndian, uint32(len(chunk)-4))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestThumbnail_RejectsOversizedDimensions(t *testing.T) {
	data := pngHeader(60000, 60000)
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 60000, cfg.Width)

	_, err = Thumbnail(data, 256)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "60000x60000")
}

func TestNewDocument_OversizedImageSkipsThumbnail(t *testing.T) {
	in := NewIntake(0, nil)
	doc, err := in.NewDocument(Item{Filename: "huge.png", Data: pngHeader(60000, 60000)})
	require.NoError(t, err)
	assert.Equal(t, "image/png", doc.MIMEType)
	assert.Empty(t, doc.Thumbnail)
}

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memObjectStore struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjectStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	m.objects[key] = data
	m.types[key] = contentType
	return "https://cdn.example.com/" + key, nil
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// pngHeader is a PNG that declares w x h but carries no pixel data.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA
	chunk := append([]byte("IHDR"), ihdr...)

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestImageUploadRejectsOversizedDimensions(t *testing.T) {
	store := newMemObjectStore()
	images := NewImageStore(store, time.Second)

	data := pngHeader(40000, 40000)
	require.Less(t, len(data), 64)
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 40000, cfg.Width)

	_, err = images.Upload(context.Background(), 1, data)
	require.ErrorIs(t, err, ErrUnsupportedUpload)
	assert.Contains(t, err.Error(), "40000x40000")
	assert.Empty(t, store.objects)
}

func TestImageUploadNormalisesToJPEG(t *testing.T) {
	store := newMemObjectStore()
	images := NewImageStore(store, time.Second)

	url, err := images.Upload(context.Background(), 7, testPNG(t, 2048, 512))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example.com/products/7/"))
	assert.True(t, strings.HasSuffix(url, ".jpg"))

	require.Len(t, store.objects, 1)
	for key, data := range store.objects {
		assert.Equal(t, "image/jpeg", store.types[key])
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, 1024, cfg.Width)
		assert.Equal(t, 256, cfg.Height)
	}
}

func TestImageUploadKeepsSmallImages(t *testing.T) {
	store := newMemObjectStore()
	_, err := NewImageStore(store, 0).Upload(context.Background(), 1, testPNG(t, 64, 48))
	require.NoError(t, err)
	for _, data := range store.objects {
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, 64, cfg.Width)
		assert.Equal(t, 48, cfg.Height)
	}
}

func TestImageUploadRejects(t *testing.T) {
	images := NewImageStore(newMemObjectStore(), time.Second)
	ctx := context.Background()

	_, err := images.Upload(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrUnsupportedUpload)
	_, err = images.Upload(ctx, 1, []byte("%PDF-1.7 not an image"))
	assert.ErrorIs(t, err, ErrUnsupportedUpload)
	_, err = images.Upload(ctx, 1, append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...))
	assert.ErrorIs(t, err, ErrUnsupportedUpload, "png signature with a corrupt body")

	var disabled *ImageStore
	_, err = disabled.Upload(ctx, 1, testPNG(t, 4, 4))
	assert.ErrorIs(t, err, ErrUploadsDisabled)
}

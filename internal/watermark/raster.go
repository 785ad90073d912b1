package watermark

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/skip2/go-qrcode"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/frames"
	"github.com/reelforge/api/internal/model"
)

const (
	defaultFontSize = 32
	defaultQRSize   = 160
)

var (
	regularOnce sync.Once
	regularFont *opentype.Font
	regularErr  error
)

// regular parses the embedded Go Regular face once.
func regular() (*opentype.Font, error) {
	regularOnce.Do(func() {
		regularFont, regularErr = opentype.Parse(goregular.TTF)
	})
	return regularFont, regularErr
}

// rasterize renders spec to a PNG in dir and returns its path.
func (c *Compositor) rasterize(spec model.WatermarkSpec, dir string, index int) (string, error) {
	var (
		img image.Image
		err error
	)
	switch spec.Type {
	case model.WatermarkText:
		img, err = textImage(spec.Text, spec.FontSize, spec.Color)
	case model.WatermarkCopyright:
		img, err = textImage(fmt.Sprintf("© %d %s", c.now().Year(), spec.Text), spec.FontSize, spec.Color)
	case model.WatermarkQRCode:
		img, err = qrImage(spec.Data, spec.Width)
	case model.WatermarkImage, model.WatermarkLogo:
		img, err = fileImage(spec.ImagePath, spec.Width)
	default:
		return "", apperr.Validation("unknown watermark type %q", spec.Type)
	}
	if err != nil {
		return "", err
	}

	if spec.Rotation != 0 {
		img = imaging.Rotate(img, -spec.Rotation, color.Transparent)
	}
	out := withOpacity(img, opacity(spec.Opacity))

	p := filepath.Join(dir, fmt.Sprintf("overlay_%02d.png", index))
	if err := imaging.Save(out, p); err != nil {
		return "", apperr.Wrap(apperr.ErrResource, "", "write overlay", err)
	}
	return p, nil
}

// textImage draws text in Go Regular at size pixels per em. The canvas is
// one line high.
func textImage(text string, size int, hex string) (image.Image, error) {
	if text == "" {
		return nil, apperr.Validation("empty watermark text")
	}
	if size <= 0 {
		size = defaultFontSize
	}
	col, err := parseColor(hex)
	if err != nil {
		return nil, err
	}

	f, err := regular()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrResource, "", "parse font", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: float64(size), DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrResource, "", "open font face", err)
	}
	defer face.Close()

	m := face.Metrics()
	width := font.MeasureString(face, text).Ceil()
	height := (m.Ascent + m.Descent).Ceil()
	if width < 1 {
		width = 1
	}
	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.Point26_6{Y: m.Ascent},
	}
	d.DrawString(text)
	return canvas, nil
}

func qrImage(data string, size int) (image.Image, error) {
	if size <= 0 {
		size = defaultQRSize
	}
	q, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, "", "encode qr", err)
	}
	return q.Image(size), nil
}

func fileImage(path string, width int) (image.Image, error) {
	img, err := frames.LoadImage(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrResource, "", "load "+path, err)
	}
	if width > 0 && width != img.Bounds().Dx() {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	return img, nil
}

// withOpacity scales every pixel's alpha by op.
func withOpacity(img image.Image, op float64) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	if op >= 1 {
		return out
	}
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = uint8(float64(out.Pix[i])*op + 0.5)
	}
	return out
}

// opacity treats the zero value as fully opaque.
func opacity(v float64) float64 {
	if v <= 0 || v > 1 {
		return 1
	}
	return v
}

func parseColor(s string) (color.NRGBA, error) {
	if s == "" {
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}, nil
	}
	h := strings.TrimPrefix(s, "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return color.NRGBA{}, apperr.Validation("invalid color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, apperr.Validation("invalid color %q", s)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

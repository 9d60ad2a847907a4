// Package ocr re-reads field crops with tesseract so the operator can see a
// second opinion next to each stored value.
package ocr

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"log/slog"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"mdetruth/pkg/layout"
)

// DefaultWhitelist covers the characters instrument displays show.
const DefaultWhitelist = "0123456789.,-+:%"

// Hinter wraps one tesseract client. It is not safe for concurrent use.
type Hinter struct {
	client *gosseract.Client
	logger *slog.Logger
}

func NewHinter(whitelist string, logger *slog.Logger) (*Hinter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if whitelist == "" {
		whitelist = DefaultWhitelist
	}
	c := gosseract.NewClient()
	if err := c.SetLanguage("eng"); err != nil {
		c.Close()
		return nil, fmt.Errorf("tesseract language: %w", err)
	}
	if err := c.SetWhitelist(whitelist); err != nil {
		c.Close()
		return nil, fmt.Errorf("tesseract whitelist: %w", err)
	}
	if err := c.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		c.Close()
		return nil, fmt.Errorf("tesseract page seg mode: %w", err)
	}
	return &Hinter{client: c, logger: logger}, nil
}

func (h *Hinter) Close() error { return h.client.Close() }

// Read returns the text tesseract sees inside r.
func (h *Hinter) Read(img image.Image, r layout.Rect) (string, error) {
	area := r.Bounds().Intersect(img.Bounds())
	if area.Empty() {
		return "", ErrNoText
	}
	crop := prepare(imaging.Crop(img, area))
	var buf bytes.Buffer
	if err := png.Encode(&buf, crop); err != nil {
		return "", fmt.Errorf("encode crop: %w", err)
	}
	if err := h.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", fmt.Errorf("tesseract image: %w", err)
	}
	text, err := h.client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract text: %w", err)
	}
	text = normalizeText(text)
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

// Hints reads every positioned field. Fields that fail are left out.
func (h *Hinter) Hints(img image.Image, pos layout.Positions) map[string]string {
	out := make(map[string]string, len(pos))
	for _, name := range pos.Names() {
		text, err := h.Read(img, pos[name])
		if err != nil {
			h.logger.Debug("no ocr hint", "field", name, "err", err)
			continue
		}
		out[name] = text
	}
	return out
}

package ocr

import "errors"

// ErrNoText is returned when tesseract reads nothing from a field crop.
var ErrNoText = errors.New("no text read from field")

package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// EncodeFrame downscales a frame to at most maxWidth pixels wide, preserving
// aspect ratio, and encodes it as JPEG at the given quality (1-100). Frames
// already within the width limit are encoded as-is.
func EncodeFrame(frame image.Image, maxWidth, quality int) ([]byte, error) {
	if frame == nil {
		return nil, fmt.Errorf("nil frame")
	}

	bounds := frame.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("empty frame bounds %v", bounds)
	}

	if maxWidth > 0 && width > maxWidth {
		scaled := image.NewRGBA(image.Rect(0, 0, maxWidth, height*maxWidth/width))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), frame, bounds, draw.Over, nil)
		frame = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return buf.Bytes(), nil
}

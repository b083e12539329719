package qr

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// RenderPNG encodes a pairing code as a QR PNG.
func RenderPNG(code string) ([]byte, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to render pairing code: %w", err)
	}
	return png, nil
}

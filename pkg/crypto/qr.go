package crypto

import (
	"github.com/cuemby/vpnforge/pkg/apperr"
	qrcode "github.com/skip2/go-qrcode"
)

// ECCLevel mirrors go-qrcode's error-correction levels so callers don't need
// to import the library directly.
type ECCLevel int

const (
	ECCLow ECCLevel = iota
	ECCMedium
	ECCHigh
	ECCHighest
)

func toRecoveryLevel(level ECCLevel) qrcode.RecoveryLevel {
	switch level {
	case ECCLow:
		return qrcode.Low
	case ECCHigh:
		return qrcode.High
	case ECCHighest:
		return qrcode.Highest
	default:
		return qrcode.Medium
	}
}

// RenderQR encodes uri as a PNG QR code at the requested error-correction
// level, sized for terminal or image display (256x256).
func RenderQR(uri string, ecc ECCLevel) ([]byte, error) {
	png, err := qrcode.Encode(uri, toRecoveryLevel(ecc), 256)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidInput, "Crypto", "render qr: %v", err)
	}
	return png, nil
}

// RenderQRANSI renders uri as an ANSI-art QR code for terminal display,
// using go-qrcode's own bitmap rather than shelling out to a CLI QR tool.
func RenderQRANSI(uri string, ecc ECCLevel) (string, error) {
	qr, err := qrcode.New(uri, toRecoveryLevel(ecc))
	if err != nil {
		return "", apperr.New(apperr.KindInvalidInput, "Crypto", "build qr: %v", err)
	}
	bitmap := qr.Bitmap()
	out := ""
	for y := 0; y < len(bitmap); y += 2 {
		for x := 0; x < len(bitmap[y]); x++ {
			top := bitmap[y][x]
			bottom := false
			if y+1 < len(bitmap) {
				bottom = bitmap[y+1][x]
			}
			out += ansiHalfBlock(top, bottom)
		}
		out += "\n"
	}
	return out, nil
}

func ansiHalfBlock(top, bottom bool) string {
	switch {
	case top && bottom:
		return "█"
	case top && !bottom:
		return "▀"
	case !top && bottom:
		return "▄"
	default:
		return " "
	}
}

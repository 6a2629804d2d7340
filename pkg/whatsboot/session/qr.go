package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/skip2/go-qrcode"
)

// QRRenderer turns a credential challenge into an image the provisioning
// caller can fetch. It returns the public URL of the image.
type QRRenderer interface {
	Render(number, code string) (string, error)
}

// PNGRenderer writes {Dir}/{number}.png and serves it under
// {BaseURL}/uploads/.
type PNGRenderer struct {
	Dir     string
	BaseURL string
	Size    int
}

// Render encodes code as a PNG and returns its URL.
func (r PNGRenderer) Render(number, code string) (string, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating QR dir: %w", err)
	}
	size := r.Size
	if size <= 0 {
		size = 256
	}
	name := number + ".png"
	if err := qrcode.WriteFile(code, qrcode.Medium, size, filepath.Join(r.Dir, name)); err != nil {
		return "", fmt.Errorf("writing QR image: %w", err)
	}
	return QRCodeURL(r.BaseURL, number), nil
}

// QRCodeURL is the public address of a channel's QR image.
func QRCodeURL(baseURL, number string) string {
	return strings.TrimRight(baseURL, "/") + "/uploads/" + number + ".png"
}

package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// MaxImageBytes bounds accepted image payloads.
const MaxImageBytes = 100 << 20

// ErrUnsupportedImage is returned for oversize or non-image payloads.
var ErrUnsupportedImage = errors.New("unsupported image")

var allowedImageTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/bmp",
	"image/webp",
}

// OCR extracts text from an image.
type OCR interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// TesseractOCR shells out to the tesseract binary, reading the image on stdin.
type TesseractOCR struct {
	Binary  string
	Timeout time.Duration
}

// ExtractText runs tesseract with the image piped to stdin.
func (o TesseractOCR) ExtractText(ctx context.Context, image []byte) (string, error) {
	bin := o.Binary
	if bin == "" {
		bin = "tesseract"
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "stdin", "stdout")
	cmd.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("gate: ocr timed out after %s", timeout)
		}
		return "", fmt.Errorf("gate: ocr: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// CheckImageFormat verifies size and detected content type.
func CheckImageFormat(image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrUnsupportedImage)
	}
	if len(image) > MaxImageBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrUnsupportedImage, len(image), MaxImageBytes)
	}
	mt := mimetype.Detect(image)
	for _, allowed := range allowedImageTypes {
		if mt.Is(allowed) {
			return allowed, nil
		}
	}
	return "", fmt.Errorf("%w: detected %s", ErrUnsupportedImage, mt.String())
}

// CombineImageText appends OCR text to an accompanying prompt.
func CombineImageText(prompt, imageText string) string {
	imageText = strings.TrimSpace(imageText)
	if imageText == "" {
		return prompt
	}
	if prompt == "" {
		return "[Image text]\n" + imageText
	}
	return prompt + "\n\n[Image text]\n" + imageText
}

package images

import (
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/nvr-ai/go-yolobench/common"
	"github.com/pkg/errors"
)

// Image is an interleaved 8-bit RGB pixel buffer. The core only reads it.
type Image struct {
	// Pix holds Height rows of Width*Channels bytes, R G B per pixel.
	Pix      []byte `json:"-"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
}

// Load decodes an image file, applying its EXIF orientation.
//
// Arguments:
//   - path: Any format registered with the image package (JPEG, PNG, GIF, BMP, TIFF, WebP).
//
// Returns:
//   - The decoded image, or a KindIO error if the file is unreadable or empty.
func Load(path string) (*Image, error) {
	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, common.WrapIO(errors.Wrap(err, "failed to decode image"), path)
	}
	img, err := FromImage(src)
	if err != nil {
		return nil, common.WrapIO(err, path)
	}
	return img, nil
}

// FromImage copies any image.Image into an interleaved RGB buffer.
func FromImage(src image.Image) (*Image, error) {
	if src == nil {
		return nil, common.IOErrorf("image is nil")
	}
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, common.IOErrorf("image has zero size %dx%d", w, h)
	}

	rgba, ok := src.(*image.NRGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) {
		rgba = image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.Draw(rgba, rgba.Bounds(), src, bounds.Min, draw.Src)
	}

	img := &Image{Pix: make([]byte, w*h*3), Width: w, Height: h, Channels: 3}
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		out := img.Pix[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			out[x*3+0] = row[x*4+0]
			out[x*3+1] = row[x*4+1]
			out[x*3+2] = row[x*4+2]
		}
	}
	return img, nil
}

// Validate checks the buffer against its declared geometry.
func (img *Image) Validate() error {
	if img == nil {
		return common.IOErrorf("image is nil")
	}
	if img.Width <= 0 || img.Height <= 0 {
		return common.IOErrorf("image has zero size %dx%d", img.Width, img.Height)
	}
	if img.Channels != 3 {
		return common.IOErrorf("expected 3 channels, got %d", img.Channels)
	}
	if len(img.Pix) != img.Width*img.Height*img.Channels {
		return common.IOErrorf("pixel buffer has %d bytes, expected %d", len(img.Pix), img.Width*img.Height*img.Channels)
	}
	return nil
}

// ToNRGBA exposes the buffer as an image.Image for resizing.
func (img *Image) ToNRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	for i, j := 0, 0; i < len(img.Pix); i, j = i+3, j+4 {
		out.Pix[j+0] = img.Pix[i+0]
		out.Pix[j+1] = img.Pix[i+1]
		out.Pix[j+2] = img.Pix[i+2]
		out.Pix[j+3] = 0xff
	}
	return out
}

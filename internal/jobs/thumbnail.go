package jobs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"

	"horus-server/internal/storage"
)

const defaultThumbnailWidth = 320

// CreateImageThumbnail renders a JPEG thumbnail of an uploaded image.
type CreateImageThumbnail struct {
	ImageID   string `json:"image_id"`
	ImageData []byte `json:"image_data"`

	LogBuffer `json:"-"`
}

func (c *CreateImageThumbnail) JobName() string { return string(KindThumbnail) }

// ThumbnailPath is the object key a rendered thumbnail is stored under.
func ThumbnailPath(imageID string) string {
	return fmt.Sprintf("thumbnails/%s.jpg", imageID)
}

func (c *CreateImageThumbnail) Execute(ctx context.Context, env Env) Result {
	if !env.Thumbnails.Enabled {
		return FailedWithReason("thumbnail rendering not implemented")
	}

	img, format, err := image.Decode(bytes.NewReader(c.ImageData))
	if err != nil {
		return FailedWithReason(fmt.Sprintf("decode image %s: %v", c.ImageID, err))
	}
	c.Log(fmt.Sprintf("decoded %s image %dx%d", format, img.Bounds().Dx(), img.Bounds().Dy()))

	width := env.Thumbnails.Width
	if width <= 0 {
		width = defaultThumbnailWidth
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return FailedWithReason(fmt.Sprintf("encode thumbnail: %v", err))
	}

	path := ThumbnailPath(c.ImageID)
	if err := env.Storage.Put(ctx, path, buf.Bytes(), "image/jpeg", storage.ACLPublicRead); err != nil {
		c.Log(fmt.Sprintf("upload failed: %v", err))
		return Failed()
	}
	c.Log(fmt.Sprintf("stored thumbnail at %s", path))
	return Complete()
}

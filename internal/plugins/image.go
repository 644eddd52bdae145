package plugins

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/hyperifyio/metaextract/internal/plugin"
)

// Image decodes only the header of raster images.
type Image struct{}

func (*Image) Name() string { return "image" }

func (*Image) Fields() []plugin.FieldSpec {
	return []plugin.FieldSpec{
		{Name: "format"},
		{Name: "width"},
		{Name: "height"},
		{Name: "megapixels"},
		{Name: "color_model", Tier: plugin.TierStandard},
	}
}

func (*Image) Dependencies() []plugin.Dependency { return nil }
func (*Image) Init([]string) error               { return nil }

func (*Image) Accepts(name, mime string) bool {
	return mimeIs(mime, "image/png", "image/jpeg", "image/gif") || hasExt(name, ".png", ".jpg", ".jpeg", ".gif")
}

func (*Image) Extract(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
	src, err := openBytes(ctx, in)
	if err != nil {
		return nil, err
	}
	cfg, format, err := image.DecodeConfig(src)
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	mp := math.Round(float64(cfg.Width)*float64(cfg.Height)/1e4) / 100
	return plugin.NewFields().
		Set("format", format).
		Set("width", cfg.Width).
		Set("height", cfg.Height).
		Set("megapixels", mp).
		Set("color_model", colorModelName(cfg.ColorModel)), nil
}

func colorModelName(m color.Model) string {
	if _, ok := m.(color.Palette); ok {
		return "paletted"
	}
	switch m {
	case color.RGBAModel:
		return "rgba"
	case color.RGBA64Model:
		return "rgba64"
	case color.NRGBAModel:
		return "nrgba"
	case color.NRGBA64Model:
		return "nrgba64"
	case color.GrayModel:
		return "gray"
	case color.Gray16Model:
		return "gray16"
	case color.YCbCrModel:
		return "ycbcr"
	case color.CMYKModel:
		return "cmyk"
	}
	return "other"
}

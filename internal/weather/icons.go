package weather

import (
	"bytes"
	"embed"
	"fmt"
	"image"
	"image/png"
	"sync"
)

//go:embed art/*.png
var artFS embed.FS

// Art names one condition illustration.
type Art string

const (
	ArtStorm       Art = "storm"
	ArtLightRain   Art = "light_rain"
	ArtRain        Art = "rain"
	ArtSnow        Art = "snow"
	ArtFog         Art = "fog"
	ArtClear       Art = "clear"
	ArtLightClouds Art = "light_clouds"
	ArtClouds      Art = "clouds"
)

// ArtFor maps an OpenWeatherMap condition code to its illustration.
// See https://openweathermap.org/weather-conditions.
func ArtFor(code int) (Art, error) {
	switch {
	case code >= 200 && code <= 232:
		return ArtStorm, nil
	case code >= 300 && code <= 321:
		return ArtLightRain, nil
	case code >= 500 && code <= 504:
		return ArtRain, nil
	case code == 511:
		return ArtSnow, nil
	case code >= 520 && code <= 531:
		return ArtRain, nil
	case code >= 600 && code <= 622:
		return ArtSnow, nil
	case code >= 701 && code <= 761:
		return ArtFog, nil
	case code == 781:
		return ArtStorm, nil
	case code == 800:
		return ArtClear, nil
	case code == 801:
		return ArtLightClouds, nil
	case code >= 802 && code <= 804:
		return ArtClouds, nil
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownCondition, code)
}

type IconResolver interface {
	Icon(code int) (image.Image, error)
}

// EmbeddedIcons resolves condition codes to the art compiled into the binary.
// Decoded images are cached and shared; callers must not modify them.
type EmbeddedIcons struct {
	mu    sync.Mutex
	cache map[Art]image.Image
}

func NewEmbeddedIcons() *EmbeddedIcons {
	return &EmbeddedIcons{cache: make(map[Art]image.Image)}
}

func (r *EmbeddedIcons) Icon(code int) (image.Image, error) {
	art, err := ArtFor(code)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if img, ok := r.cache[art]; ok {
		return img, nil
	}

	b, err := artFS.ReadFile("art/" + string(art) + ".png")
	if err != nil {
		return nil, fmt.Errorf("read art %s: %w", art, err)
	}
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode art %s: %w", art, err)
	}
	r.cache[art] = img
	return img, nil
}

package grid

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed palette.yaml
var paletteYAML []byte

// PaletteColor is one entry of the colour table.
type PaletteColor struct {
	Index int    `yaml:"-" json:"index"`
	Name  string `yaml:"name" json:"name"`
	HSL   string `yaml:"hsl" json:"hsl"`
}

type paletteDocument struct {
	Colors []PaletteColor `yaml:"colors"`
}

var (
	paletteOnce   sync.Once
	paletteColors []PaletteColor
	paletteErr    error
)

// Palette returns the colour table indexed by colour index.
func Palette() ([]PaletteColor, error) {
	paletteOnce.Do(func() {
		paletteColors, paletteErr = parsePalette(paletteYAML)
	})
	if paletteErr != nil {
		return nil, paletteErr
	}
	out := make([]PaletteColor, len(paletteColors))
	copy(out, paletteColors)
	return out, nil
}

func parsePalette(raw []byte) ([]PaletteColor, error) {
	var document paletteDocument
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("grid: decode palette: %w", err)
	}
	if len(document.Colors) != ColorCount {
		return nil, fmt.Errorf("grid: palette has %d colors, expected %d", len(document.Colors), ColorCount)
	}
	for index := range document.Colors {
		document.Colors[index].Index = index
	}
	return document.Colors, nil
}

package photogrammetry

import (
	"strings"

	"github.com/pkg/errors"
)

// Nominal sensor sizes in millimeters (nx, ny) keyed by "make model", from
// Digital Photography Review (https://dpreview.com/articles/8095816568/sensorsizes).
var sensorSizes = map[string][2]float64{
	"NIKON CORPORATION NIKON D2X":   {23.7, 15.7},
	"NIKON CORPORATION NIKON D200":  {23.6, 15.8},
	"NIKON CORPORATION NIKON D300S": {23.6, 15.8},
	"NIKON E8700":                   {8.8, 6.6},
	"Canon Canon EOS 20D":           {22.5, 15.0},
	"Canon Canon EOS 40D":           {22.2, 14.8},
}

// SensorSize returns the nominal sensor size of a digital camera model.
func SensorSize(make, model string) ([2]float64, error) {
	key := strings.TrimSpace(make) + " " + strings.TrimSpace(model)
	size, ok := sensorSizes[key]
	if !ok {
		return [2]float64{}, errors.Errorf("no sensor size found for: %s", key)
	}
	return size, nil
}

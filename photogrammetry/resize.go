package photogrammetry

import (
	"math"

	"github.com/pkg/errors"
)

// ErrAspectRatio is returned when a target image size cannot be reached
// with a single scale factor.
var ErrAspectRatio = errors.New("target size does not preserve aspect ratio")

// ScaleFromSize returns the scale factor s for which
// floor(s*oldSize + 0.5) == newSize in both dimensions. It returns false if
// no such factor exists.
func ScaleFromSize(oldSize, newSize [2]float64) (float64, bool) {
	if oldSize == newSize {
		return 1, true
	}
	s0, s1 := newSize[0]/oldSize[0], newSize[1]/oldSize[1]
	if s0 == s1 {
		return s0, true
	}
	lo := math.Max((newSize[0]-0.5)/oldSize[0], (newSize[1]-0.5)/oldSize[1])
	hi := math.Min((newSize[0]+0.5)/oldSize[0], (newSize[1]+0.5)/oldSize[1])
	if !(lo < hi) {
		return 0, false
	}
	return (lo + hi) / 2, true
}

// Resize scales the image size by a factor relative to the current size.
// The focal length and principal point offset are scaled to match.
func (c *Camera) Resize(scale float64) {
	c.setImgsz([2]float64{
		math.Floor(scale*c.Imgsz[0] + 0.5),
		math.Floor(scale*c.Imgsz[1] + 0.5),
	})
}

// ResizeTo resizes the camera to a target image size. Unless force is set,
// the size must be reachable with a single scale factor.
func (c *Camera) ResizeTo(size [2]float64, force bool) error {
	if force {
		c.setImgsz(size)
		return nil
	}
	scale, ok := ScaleFromSize(c.Imgsz, size)
	if !ok {
		return errors.Wrapf(ErrAspectRatio, "%v to %v", c.Imgsz, size)
	}
	c.Resize(scale)
	return nil
}

func (c *Camera) setImgsz(size [2]float64) {
	for i := range size {
		s := size[i] / c.Imgsz[i]
		c.F[i] *= s
		c.C[i] *= s
		c.Imgsz[i] = math.Round(size[i])
	}
}

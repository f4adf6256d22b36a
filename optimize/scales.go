package optimize

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"

	"sphaeroptica.be/glimpse/control"
	"sphaeroptica.be/glimpse/photogrammetry"
)

// CameraBounds returns the default bounds of each camera vector element.
// Distortion bounds are the tested limits of Oulu undistortion.
func CameraBounds(cam *photogrammetry.Camera) Bounds {
	inf := math.Inf(1)
	k := cam.MeanF() / 4000
	p := cam.MeanF() / 40000
	var b Bounds
	for i := range b {
		b[i] = [2]float64{-inf, inf}
	}
	b[photogrammetry.OffsetImgsz] = [2]float64{0, inf}
	b[photogrammetry.OffsetImgsz+1] = [2]float64{0, inf}
	b[photogrammetry.OffsetF] = [2]float64{0, inf}
	b[photogrammetry.OffsetF+1] = [2]float64{0, inf}
	b[photogrammetry.OffsetC] = [2]float64{-0.5 * cam.Imgsz[0], 0.5 * cam.Imgsz[0]}
	b[photogrammetry.OffsetC+1] = [2]float64{-0.5 * cam.Imgsz[1], 0.5 * cam.Imgsz[1]}
	for i, limit := range [6]float64{k, k / 2, k / 2, k, k, k} {
		b[photogrammetry.OffsetK+i] = [2]float64{-limit, limit}
	}
	b[photogrammetry.OffsetP] = [2]float64{-p, p}
	b[photogrammetry.OffsetP+1] = [2]float64{-p, p}
	return b
}

// ScaleFactors returns the estimated change in each camera vector element
// that displaces image coordinates by one pixel. Points and Lines with
// absolute world coordinates observed by cam set the position scale from
// their mean distance to the camera; without them it is 1.
func ScaleFactors(cam *photogrammetry.Camera, controls []control.Control) photogrammetry.Vector {
	var dpixels photogrammetry.Vector
	for i := range dpixels {
		dpixels[i] = 1
	}
	meanImgsz := (cam.Imgsz[0] + cam.Imgsz[1]) / 2
	meanF := cam.MeanF()
	// Mean distance from the center of a square to its points
	meanRUV := (meanImgsz / 6) * (math.Sqrt2 + math.Log(1+math.Sqrt2))
	meanRXY := meanRUV / meanF

	var means, weights []float64
	for _, c := range controls {
		var pts []r3.Vector
		switch c := c.(type) {
		case *control.Points:
			if c.Cam != cam || c.Directions {
				continue
			}
			pts = c.XYZ
		case *control.Lines:
			if c.Cam != cam || c.Directions {
				continue
			}
			for _, xyz := range c.XYZs {
				pts = append(pts, xyz...)
			}
		default:
			continue
		}
		if len(pts) == 0 {
			continue
		}
		var sum r3.Vector
		for _, p := range pts {
			sum = sum.Add(p)
		}
		means = append(means, sum.Mul(1/float64(len(pts))).Sub(cam.XYZ).Norm())
		weights = append(weights, float64(c.Size()))
	}
	if len(means) > 0 {
		d := meanF / stat.Mean(means, weights)
		dpixels[0], dpixels[1], dpixels[2] = d, d, d
	}

	// Yaw and pitch move the image sideways, roll rotates it about the center.
	for i := 0; i < 2; i++ {
		degrees := 2 * math.Atan(cam.Imgsz[i]/(2*cam.F[i])) * 180 / math.Pi
		dpixels[photogrammetry.OffsetViewdir+i] = cam.Imgsz[i] / degrees
	}
	dpixels[photogrammetry.OffsetViewdir+2] = 2 * meanRUV * math.Sin(math.Pi/180/2)
	dpixels[photogrammetry.OffsetImgsz] = 0.5
	dpixels[photogrammetry.OffsetImgsz+1] = 0.5
	dpixels[photogrammetry.OffsetF] = meanRXY
	dpixels[photogrammetry.OffsetF+1] = meanRXY
	dpixels[photogrammetry.OffsetC] = 1
	dpixels[photogrammetry.OffsetC+1] = 1
	// Radial terms at the mean radius
	r := meanRXY
	k := cam.K
	ks := [6]float64{
		math.Pow(r, 3) * meanF * math.Pow(2, 0.5),
		math.Pow(r, 5) * meanF * math.Pow(2, 1.5),
		math.Pow(r, 7) * meanF * math.Pow(2, 2.5),
		math.Pow(r, 3) / (1 + k[3]*r*r) * meanF * math.Pow(2, 0.5),
		math.Pow(r, 5) / (1 + k[4]*math.Pow(r, 4)) * meanF * math.Pow(2, 1.5),
		math.Pow(r, 7) / (1 + k[5]*math.Pow(r, 6)) * meanF * math.Pow(2, 2.5),
	}
	copy(dpixels[photogrammetry.OffsetK:], ks[:])
	// Tangential terms at the mean radius, 45 degrees off axis
	dpixels[photogrammetry.OffsetP] = math.Sqrt(5) * r * r * meanF
	dpixels[photogrammetry.OffsetP+1] = dpixels[photogrammetry.OffsetP]

	var scales photogrammetry.Vector
	for i, d := range dpixels {
		scales[i] = 1 / d
	}
	return scales
}

package photogrammetry

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// jsonFloat is a float that is written as null when NaN.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
}

type cameraJSON struct {
	XYZ      []*float64 `json:"xyz,omitempty"`
	Viewdir  []*float64 `json:"viewdir,omitempty"`
	Imgsz    []*float64 `json:"imgsz,omitempty"`
	F        []*float64 `json:"f,omitempty"`
	C        []*float64 `json:"c,omitempty"`
	K        []*float64 `json:"k,omitempty"`
	P        []*float64 `json:"p,omitempty"`
	Sensorsz []*float64 `json:"sensorsz,omitempty"`
	FMM      []*float64 `json:"fmm,omitempty"`
	CMM      []*float64 `json:"cmm,omitempty"`
}

type cameraOut struct {
	XYZ     []jsonFloat `json:"xyz"`
	Viewdir []jsonFloat `json:"viewdir"`
	Imgsz   []jsonFloat `json:"imgsz"`
	F       []jsonFloat `json:"f"`
	C       []jsonFloat `json:"c"`
	K       []jsonFloat `json:"k"`
	P       []jsonFloat `json:"p"`
}

// unset reports whether every value is missing or null.
func unset(v []*float64) bool {
	for _, x := range v {
		if x != nil {
			return false
		}
	}
	return true
}

// fill copies v into dst, mapping null to NaN. A missing or all-null v
// leaves dst unchanged.
func fill(name string, dst []float64, v []*float64) error {
	if unset(v) {
		return nil
	}
	if len(v) != len(dst) {
		return errors.Errorf("%s: expected %d values, got %d", name, len(dst), len(v))
	}
	for i, x := range v {
		if x == nil {
			dst[i] = math.NaN()
		} else {
			dst[i] = *x
		}
	}
	return nil
}

// UnmarshalJSON reads a camera from an object with keys among xyz,
// viewdir, imgsz, f, c, k, p (and optionally sensorsz, fmm, cmm). Missing
// or null entries take the defaults of New.
func (c *Camera) UnmarshalJSON(b []byte) error {
	var in cameraJSON
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return errors.Wrap(err, "decoding camera")
	}
	def, _ := New()
	v := def.Vector()
	fields := []struct {
		name   string
		offset int
		n      int
		values []*float64
	}{
		{"xyz", OffsetXYZ, 3, in.XYZ},
		{"viewdir", OffsetViewdir, 3, in.Viewdir},
		{"imgsz", OffsetImgsz, 2, in.Imgsz},
		{"f", OffsetF, 2, in.F},
		{"c", OffsetC, 2, in.C},
		{"k", OffsetK, 6, in.K},
		{"p", OffsetP, 2, in.P},
	}
	for _, f := range fields {
		if err := fill(f.name, v[f.offset:f.offset+f.n], f.values); err != nil {
			return err
		}
	}
	*c = *FromVector(v, nil)
	var sensorsz, fmm, cmm [2]float64
	if !unset(in.Sensorsz) {
		if err := fill("sensorsz", sensorsz[:], in.Sensorsz); err != nil {
			return err
		}
		c.Sensorsz = &sensorsz
	}
	if !unset(in.FMM) || !unset(in.CMM) {
		if c.Sensorsz == nil {
			return errors.New("fmm or cmm provided without sensorsz")
		}
		if err := fill("fmm", fmm[:], in.FMM); err != nil {
			return err
		}
		if err := fill("cmm", cmm[:], in.CMM); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			if !unset(in.FMM) {
				c.F[i] = fmm[i] * c.Imgsz[i] / sensorsz[i]
			}
			if !unset(in.CMM) {
				c.C[i] = cmm[i] * c.Imgsz[i] / sensorsz[i]
			}
		}
		c.original = c.Vector()
	}
	return nil
}

func floats(v []float64) []jsonFloat {
	out := make([]jsonFloat, len(v))
	for i, x := range v {
		out[i] = jsonFloat(x)
	}
	return out
}

// MarshalJSON writes the core camera parameters. NaN values are written
// as null.
func (c *Camera) MarshalJSON() ([]byte, error) {
	v := c.Vector()
	return json.Marshal(cameraOut{
		XYZ:     floats(v[OffsetXYZ:OffsetViewdir]),
		Viewdir: floats(v[OffsetViewdir:OffsetImgsz]),
		Imgsz:   floats(v[OffsetImgsz:OffsetF]),
		F:       floats(v[OffsetF:OffsetC]),
		C:       floats(v[OffsetC:OffsetK]),
		K:       floats(v[OffsetK:OffsetP]),
		P:       floats(v[OffsetP:]),
	})
}

// ReadCamera reads a camera from a JSON file. Options override values read
// from the file.
func ReadCamera(path string, opts ...Option) (*Camera, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading camera")
	}
	var cam Camera
	if err := json.Unmarshal(b, &cam); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if len(opts) == 0 {
		return &cam, nil
	}
	base := []Option{
		WithXYZ(cam.XYZ), WithViewdir(cam.Viewdir), WithImgsz(cam.Imgsz),
		WithF(cam.F), WithC(cam.C), WithK(cam.K), WithP(cam.P),
	}
	if cam.Sensorsz != nil {
		base = append(base, WithSensorsz(*cam.Sensorsz))
	}
	return New(append(base, opts...)...)
}

// WriteCamera writes the core camera parameters to a JSON file.
func WriteCamera(path string, cam *Camera) error {
	b, err := json.MarshalIndent(cam, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding camera")
	}
	return errors.Wrap(os.WriteFile(path, b, 0o644), "writing camera")
}


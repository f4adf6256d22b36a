package imports

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/h2non/bimg"
	"github.com/pkg/errors"

	"sphaeroptica.be/glimpse/photogrammetry"
)

// ImageExtensions are the image formats read from a directory.
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// exifTime is the layout of EXIF date and time tags.
const exifTime = "2006:01:02 15:04:05"

// ReadImages returns the image files of dir keyed by their base name without
// extension.
func ReadImages(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !ImageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		out[strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))] = e.Name()
	}
	return out, nil
}

// ImageInfo is what an image file says about the camera that took it.
type ImageInfo struct {
	Size  [2]float64
	Make  string
	Model string
	// FMM is the focal length in millimeters, or 0 if unknown.
	FMM  float64
	Time time.Time
}

// ReadImageInfo reads the size and EXIF tags of an image.
func ReadImageInfo(path string) (*ImageInfo, error) {
	buf, err := bimg.Read(path)
	if err != nil {
		return nil, err
	}
	meta, err := bimg.NewImage(buf).Metadata()
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	info := &ImageInfo{
		Size:  [2]float64{float64(meta.Size.Width), float64(meta.Size.Height)},
		Make:  strings.TrimSpace(meta.EXIF.Make),
		Model: strings.TrimSpace(meta.EXIF.Model),
	}
	if s := meta.EXIF.FocalLength; s != "" {
		if info.FMM, err = parseRational(s); err != nil {
			return nil, errors.Wrapf(err, "%s: focal length", path)
		}
	}
	if s := meta.EXIF.DateTimeOriginal; s != "" {
		if info.Time, err = time.Parse(exifTime, strings.TrimSpace(s)); err != nil {
			return nil, errors.Wrapf(err, "%s: date", path)
		}
	}
	return info, nil
}

// parseRational parses EXIF rationals such as "50/1", "50.0" or "50 mm".
func parseRational(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "mm"))
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil {
			return 0, err
		}
		d, err := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err != nil {
			return 0, err
		}
		if d == 0 {
			return 0, errors.Errorf("zero denominator in %q", s)
		}
		return n / d, nil
	}
	return strconv.ParseFloat(s, 64)
}

// CameraOptions returns the options of a camera for the image: its size
// and, when the sensor size of the camera model is known, its focal length.
func (info *ImageInfo) CameraOptions() []photogrammetry.Option {
	opts := []photogrammetry.Option{photogrammetry.WithImgsz(info.Size)}
	if info.FMM <= 0 {
		return opts
	}
	sensorsz, err := photogrammetry.SensorSize(info.Make, info.Model)
	if err != nil {
		return opts
	}
	return append(opts,
		photogrammetry.WithSensorsz(sensorsz),
		photogrammetry.WithFMM([2]float64{info.FMM, info.FMM}),
	)
}

// CameraFromImage returns a camera with the size and, if possible, the focal
// length of an image. opts are applied last.
func CameraFromImage(path string, opts ...photogrammetry.Option) (*photogrammetry.Camera, error) {
	info, err := ReadImageInfo(path)
	if err != nil {
		return nil, err
	}
	cam, err := photogrammetry.New(append(info.CameraOptions(), opts...)...)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cam, nil
}

// Thumbnail writes a copy of the image at src to dst whose largest side is
// at most size pixels, and returns cam resized to the thumbnail.
func Thumbnail(src, dst string, size int, cam *photogrammetry.Camera) (*photogrammetry.Camera, error) {
	buf, err := bimg.Read(src)
	if err != nil {
		return nil, err
	}
	img := bimg.NewImage(buf)
	full, err := img.Size()
	if err != nil {
		return nil, errors.Wrap(err, src)
	}
	opts := bimg.Options{Quality: 90}
	if full.Width > full.Height {
		opts.Width = min(size, full.Width)
	} else {
		opts.Height = min(size, full.Height)
	}
	thumb, err := img.Process(opts)
	if err != nil {
		return nil, errors.Wrap(err, src)
	}
	thumbSize, err := bimg.NewImage(thumb).Size()
	if err != nil {
		return nil, errors.Wrap(err, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, err
	}
	if err := bimg.Write(dst, thumb); err != nil {
		return nil, err
	}
	out := cam.Copy()
	// Rounding the thumbnail size breaks the aspect ratio by up to a pixel.
	if err := out.ResizeTo([2]float64{float64(thumbSize.Width), float64(thumbSize.Height)}, true); err != nil {
		return nil, err
	}
	return out, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Thumbnails writes a thumbnail of every image of dir missing from thumbDir
// and returns the cameras resized to the thumbnails, keyed by image file
// name.
func Thumbnails(dir, thumbDir string, size int, cams map[string]*photogrammetry.Camera) (map[string]*photogrammetry.Camera, error) {
	out := make(map[string]*photogrammetry.Camera, len(cams))
	for name, cam := range cams {
		src := filepath.Join(dir, name)
		dst := filepath.Join(thumbDir, name)
		ok, err := exists(dst)
		if err != nil {
			return nil, err
		}
		if ok {
			buf, err := bimg.Read(dst)
			if err != nil {
				return nil, err
			}
			sz, err := bimg.NewImage(buf).Size()
			if err != nil {
				return nil, errors.Wrap(err, dst)
			}
			resized := cam.Copy()
			if err := resized.ResizeTo([2]float64{float64(sz.Width), float64(sz.Height)}, true); err != nil {
				return nil, err
			}
			out[name] = resized
			continue
		}
		if out[name], err = Thumbnail(src, dst, size, cam); err != nil {
			return nil, err
		}
	}
	return out, nil
}

package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sphaeroptica.be/glimpse/config"
	"sphaeroptica.be/glimpse/control"
	"sphaeroptica.be/glimpse/imports"
	"sphaeroptica.be/glimpse/matching"
	"sphaeroptica.be/glimpse/matchstore"
	"sphaeroptica.be/glimpse/optimize"
	"sphaeroptica.be/glimpse/photogrammetry"
	"sphaeroptica.be/glimpse/ransac"
)

// App runs commands on project files.
type App struct {
	cfg *config.Config
}

// NewApp returns an app using cfg. A nil cfg leaves every setting to the
// packages it configures and disables outlier removal.
func NewApp(cfg *config.Config) *App {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &App{cfg: cfg}
}

func (a *App) loadProject(path string) (*project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, path)
	}
	if len(p.Cameras) == 0 {
		return nil, errors.Errorf("%s: no cameras", path)
	}
	undistort := a.cfg.UndistortOptions()
	for name, cam := range p.Cameras {
		if cam == nil {
			return nil, errors.Errorf("%s: camera %s is null", path, name)
		}
		if undistort.Method != "" {
			cam.Undistortion = undistort
		}
	}
	return &p, nil
}

func saveProject(path string, p *project) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// names returns the camera names in lexical order.
func (p *project) names() []string {
	keys := make([]string, 0, len(p.Cameras))
	for k := range p.Cameras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *project) camera(name string) (*photogrammetry.Camera, error) {
	cam, ok := p.Cameras[name]
	if !ok {
		return nil, errors.Errorf("no camera for image %s", name)
	}
	return cam, nil
}

// Reproject returns the pixel coordinates of a world point in an image.
func (a *App) Reproject(projectFile string, imageName string, position r3.Vector) (Pos, error) {
	p, err := a.loadProject(projectFile)
	if err != nil {
		return Pos{}, err
	}
	cam, err := p.camera(imageName)
	if err != nil {
		return Pos{}, err
	}
	uv := cam.Project([]r3.Vector{position}, false)[0]
	return Pos{X: uv.X, Y: uv.Y}, nil
}

// Triangulate returns the world point observed at poses, keyed by image.
func (a *App) Triangulate(projectFile string, poses map[string]Pos) (r3.Vector, error) {
	p, err := a.loadProject(projectFile)
	if err != nil {
		return r3.Vector{}, err
	}
	images := make([]string, 0, len(poses))
	for image := range poses {
		images = append(images, image)
	}
	sort.Strings(images)
	cams := make([]*photogrammetry.Camera, len(images))
	uv := make([]r2.Point, len(images))
	for i, image := range images {
		if cams[i], err = p.camera(image); err != nil {
			return r3.Vector{}, err
		}
		uv[i] = r2.Point{X: poses[image].X, Y: poses[image].Y}
	}
	return photogrammetry.Triangulate(cams, uv)
}

// Images returns the images of a project with the position of their camera
// on the sphere that best fits the camera positions.
func (a *App) Images(projectFile string) (*CameraViewer, error) {
	p, err := a.loadProject(projectFile)
	if err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(filepath.Dir(projectFile))
	if err != nil {
		return nil, err
	}
	keys := p.names()
	points := make([]r3.Vector, len(keys))
	for i, k := range keys {
		points[i] = p.Cameras[k].XYZ
	}
	_, center, err := photogrammetry.SphereFit(points)
	if err != nil {
		return nil, err
	}
	log.Printf("center = %v", center)

	viewer := &CameraViewer{Thumbnails: p.Thumbnails != ""}
	for i, image := range keys {
		img := VirtualCameraImage{
			Name:      image,
			FullImage: filepath.Join(dir, p.Images, image),
		}
		if viewer.Thumbnails {
			img.Thumbnail = filepath.Join(dir, p.Thumbnails, image)
		}
		long, lat := photogrammetry.LongLat(points[i].Sub(center))
		img.Coordinates = Coordinates{
			Longitude: photogrammetry.Rad2Degrees(long),
			Latitude:  photogrammetry.Rad2Degrees(lat),
		}
		viewer.Images = append(viewer.Images, img)
	}
	cam := p.Cameras[keys[0]]
	viewer.Size = Size{Width: int(cam.Imgsz[0]), Height: int(cam.Imgsz[1])}
	return viewer, nil
}

// Calibrate fits the cameras of a project to its ground control points and,
// if out is not empty, writes the project with the fitted cameras to out.
func (a *App) Calibrate(projectFile, out string) (*CalibrationReport, error) {
	p, err := a.loadProject(projectFile)
	if err != nil {
		return nil, err
	}
	if len(p.Points) == 0 {
		return nil, errors.Wrap(optimize.ErrNoControls, projectFile)
	}
	var cams []*photogrammetry.Camera
	var controls []control.Control
	seen := make(map[string]bool)
	for _, pts := range p.Points {
		cam, err := p.camera(pts.Image)
		if err != nil {
			return nil, err
		}
		ctrl, err := pts.control(cam)
		if err != nil {
			return nil, err
		}
		controls = append(controls, ctrl)
		if !seen[pts.Image] {
			seen[pts.Image] = true
			cams = append(cams, cam)
		}
	}

	opts, stages := a.cfg.FitOptions()
	model, err := optimize.NewCameras(cams, controls, opts)
	if err != nil {
		return nil, err
	}
	report := &CalibrationReport{Labels: model.Labels()}
	var index []int
	if ropts, ok := a.cfg.RansacOptions(); ok {
		_, inliers, err := ransac.Fit[[]float64](model, ropts)
		if err != nil {
			return nil, errors.Wrap(err, "outlier removal")
		}
		log.Printf("ransac: %d of %d observations are inliers", len(inliers), model.DataSize())
		index = inliers
		report.Inliers = inliers
	}
	res, err := model.Adjust(index, stages...)
	if err != nil {
		return nil, err
	}
	report.Success = res.Success
	report.Message = res.Message
	report.NFev = res.NFev
	report.MeanError = res.MeanError()
	if !res.Success {
		return report, nil
	}
	report.Values = res.Values
	report.Criteria = optimize.ModelCriteria(res)
	if out == "" {
		return report, nil
	}
	if err := model.SetCameras(res.Values); err != nil {
		return nil, err
	}
	return report, saveProject(out, p)
}

// images returns the images of a project in time order. Times missing from
// the project are read from the images.
func (p *project) images(dir string) ([]matching.Image, error) {
	var images []matching.Image
	for _, name := range p.names() {
		img := matching.Image{Name: name, Cam: p.Cameras[name]}
		if t, ok := p.Times[name]; ok {
			img.Time = t
		} else {
			info, err := imports.ReadImageInfo(filepath.Join(dir, p.Images, name))
			if err != nil {
				return nil, err
			}
			img.Time = info.Time
		}
		images = append(images, img)
	}
	sort.SliceStable(images, func(i, j int) bool { return images[i].Time.Before(images[j].Time) })
	return images, nil
}

// Orient builds keypoint matches between the images of a project, caching
// them in the database at dbPath, and orients the cameras from them. The
// first image keeps its orientation. If out is not empty, the project with
// the oriented cameras is written to out.
func (a *App) Orient(ctx context.Context, projectFile, dbPath, out string) (*OrientReport, error) {
	p, err := a.loadProject(projectFile)
	if err != nil {
		return nil, err
	}
	if p.Matches == "" {
		return nil, errors.Errorf("%s: no matches directory", projectFile)
	}
	dir := filepath.Dir(projectFile)
	images, err := p.images(dir)
	if err != nil {
		return nil, err
	}
	opts := a.cfg.MatchingOptions()
	if dbPath != "" {
		store, err := matchstore.Open(dbPath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		opts.Store = store
	}
	matches, err := matching.Build(ctx, images, matching.FileMatcher{Dir: filepath.Join(dir, p.Matches)}, opts)
	if err != nil {
		return nil, err
	}

	pairs := make([]matching.Pair, 0, len(matches))
	for pair, m := range matches {
		if m.Size() > 0 {
			pairs = append(pairs, pair)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].I != pairs[j].I {
			return pairs[i].I < pairs[j].I
		}
		return pairs[i].J < pairs[j].J
	})
	var rotations []*control.RotationMatchesXYZ
	for _, pair := range pairs {
		set, err := matches[pair].AsType(control.KindRotationMatchesXYZ)
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", images[pair.I].Name, images[pair.J].Name)
		}
		rotations = append(rotations, set.(*control.RotationMatchesXYZ))
	}

	cams := make([]*photogrammetry.Camera, len(images))
	for i, img := range images {
		cams[i] = img.Cam
	}
	observer, err := optimize.NewObserverCameras(cams, rotations, nil)
	if err != nil {
		return nil, err
	}
	res, err := observer.Fit(0, nil)
	if err != nil {
		return nil, err
	}
	report := &OrientReport{
		Pairs:    len(rotations),
		Success:  res.Success,
		Message:  res.Message,
		F:        res.F,
		Viewdirs: make(map[string][3]float64, len(images)),
	}
	for i, img := range images {
		report.Viewdirs[img.Name] = res.Viewdirs[i]
	}
	if !res.Success || out == "" {
		return report, nil
	}
	for i, img := range images {
		img.Cam.Viewdir = res.Viewdirs[i]
	}
	return report, saveProject(out, p)
}

// Import builds a project from a Metashape calibration and camera export of
// the images in imagesDir, and writes it to out.
func (a *App) Import(intrinsicsFile, extrinsicsFile, imagesDir, out string) error {
	intrinsics, err := imports.ReadIntrinsicMetashape(intrinsicsFile, photogrammetry.WithUndistort(a.cfg.UndistortOptions()))
	if err != nil {
		return err
	}
	log.Printf("camera matrix:\n%v", photogrammetry.FormatMatrixPrint(intrinsics.CameraMatrix()))
	var names map[string]string
	if imagesDir != "" {
		if names, err = imports.ReadImages(imagesDir); err != nil {
			return err
		}
	}
	cams, err := imports.ReadExtrinsicMetashape(extrinsicsFile, intrinsics, names)
	if err != nil {
		return err
	}
	if len(cams) >= 4 {
		latMin, latMax, err := imports.LatitudeRange(cams)
		if err != nil {
			return err
		}
		log.Printf("%d cameras between latitudes %.1f and %.1f", len(cams), latMin, latMax)
	}
	p := &project{Cameras: cams}
	if imagesDir != "" {
		outDir, err := filepath.Abs(filepath.Dir(out))
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(imagesDir)
		if err != nil {
			return err
		}
		if p.Images, err = filepath.Rel(outDir, abs); err != nil {
			return err
		}
	}
	return saveProject(out, p)
}

// Thumbnails writes missing thumbnails of the images of a project in its
// thumbnails directory, and writes the project with the cameras resized to
// the thumbnails to out.
func (a *App) Thumbnails(projectFile string, size int, out string) error {
	p, err := a.loadProject(projectFile)
	if err != nil {
		return err
	}
	if p.Thumbnails == "" {
		p.Thumbnails = "thumbnails"
	}
	dir := filepath.Dir(projectFile)
	cams, err := imports.Thumbnails(filepath.Join(dir, p.Images), filepath.Join(dir, p.Thumbnails), size, p.Cameras)
	if err != nil {
		return err
	}
	resized := &project{
		Images:     p.Thumbnails,
		Thumbnails: p.Thumbnails,
		Cameras:    cams,
		Times:      p.Times,
	}
	for _, pts := range p.Points {
		cam := p.Cameras[pts.Image]
		thumb, ok := cams[pts.Image]
		if !ok || cam == nil {
			continue
		}
		for i, uv := range pts.UV {
			pts.UV[i] = [2]float64{uv[0] * thumb.Imgsz[0] / cam.Imgsz[0], uv[1] * thumb.Imgsz[1] / cam.Imgsz[1]}
		}
		resized.Points = append(resized.Points, pts)
	}
	return saveProject(out, resized)
}

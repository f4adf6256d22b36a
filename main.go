package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sphaeroptica.be/glimpse/config"
)

const usage = `usage: glimpse <command> [flags] [args]

commands:
  calibrate    fit cameras to ground control points
  orient       orient cameras from keypoint matches
  reproject    project a world point into an image: reproject x y z
  triangulate  locate a world point from images: triangulate image=u,v ...
  images       list images with their position around the object
  import       build a project from a Metashape export
  thumbnails   write thumbnails and a project for them
`

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("glimpse: ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	cmd, args := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	projectFile := fs.String("project", "project.json", "project file")
	configFile := fs.String("config", "", "JSON configuration file")
	out := fs.String("out", "", "output project file")
	image := fs.String("image", "", "image name")
	db := fs.String("db", "", "match database, created if missing")
	xmlFile := fs.String("xml", "", "Metashape calibration in OpenCV XML format")
	csvFile := fs.String("csv", "", "Metashape camera export")
	imagesDir := fs.String("images", "", "image directory")
	size := fs.Int("size", 1500, "thumbnail size in pixels")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg *config.Config
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return err
		}
	}
	app := NewApp(cfg)

	var result any
	var err error
	switch cmd {
	case "calibrate":
		result, err = app.Calibrate(*projectFile, *out)
	case "orient":
		result, err = app.Orient(ctx, *projectFile, *db, *out)
	case "reproject":
		var xyz r3.Vector
		if xyz, err = parseVector(fs.Args()); err == nil {
			result, err = app.Reproject(*projectFile, *image, xyz)
		}
	case "triangulate":
		var poses map[string]Pos
		if poses, err = parsePoses(fs.Args()); err == nil {
			result, err = app.Triangulate(*projectFile, poses)
		}
	case "images":
		result, err = app.Images(*projectFile)
	case "import":
		if *xmlFile == "" || *csvFile == "" || *out == "" {
			return errors.New("import requires -xml, -csv and -out")
		}
		return app.Import(*xmlFile, *csvFile, *imagesDir, *out)
	case "thumbnails":
		if *out == "" {
			return errors.New("thumbnails requires -out")
		}
		return app.Thumbnails(*projectFile, *size, *out)
	default:
		return errors.Errorf("unknown command %q\n%s", cmd, usage)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func parseVector(args []string) (r3.Vector, error) {
	if len(args) != 3 {
		return r3.Vector{}, errors.Errorf("want x y z, got %d values", len(args))
	}
	var v [3]float64
	for i, s := range args {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return r3.Vector{}, err
		}
		v[i] = f
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

// parsePoses parses image=u,v arguments.
func parsePoses(args []string) (map[string]Pos, error) {
	poses := make(map[string]Pos, len(args))
	for _, arg := range args {
		image, uv, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, errors.Errorf("want image=u,v, got %q", arg)
		}
		var pos Pos
		if _, err := fmt.Sscanf(uv, "%g,%g", &pos.X, &pos.Y); err != nil {
			return nil, errors.Wrapf(err, "parse %q", arg)
		}
		poses[image] = pos
	}
	return poses, nil
}

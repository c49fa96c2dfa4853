// Command predict runs a bundled model on one image file and prints the
// flattened output as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	"github.com/JS2IIU-MH/haru-pan/internal/config"
	"github.com/JS2IIU-MH/haru-pan/internal/model"
	"github.com/JS2IIU-MH/haru-pan/internal/postprocess"
	"github.com/JS2IIU-MH/haru-pan/internal/preprocess"
)

var (
	configFlag = cli.StringFlag{
		Name:   "config",
		Usage:  "YAML configuration file",
		EnvVar: "HARUPAN_CONFIG",
	}
	modelFlag = cli.StringFlag{
		Name:  "model",
		Usage: "path of the .onnx model file",
	}
	imageFlag = cli.StringFlag{
		Name:  "image",
		Usage: "path of the image to run",
	}
	imageSizeFlag = cli.IntFlag{
		Name:  "imgsz",
		Usage: "side length the image is resized to (default from config)",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "predict"
	app.Usage = "run an ONNX model on one image"
	app.Flags = []cli.Flag{configFlag, modelFlag, imageFlag, imageSizeFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	log := cfg.NewLogger()

	modelPath, imagePath := ctx.String(modelFlag.Name), ctx.String(imageFlag.Name)
	if modelPath == "" || imagePath == "" {
		return cli.NewExitError("both --model and --image are required", 2)
	}

	imageSize := ctx.Int(imageSizeFlag.Name)
	if imageSize == 0 {
		imageSize = cfg.ImageSize
	}

	encoded, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	tensor, err := preprocess.Prepare(encoded, imageSize)
	if err != nil {
		return err
	}

	if err := model.InitializeRuntime(cfg.SharedLibraryPath); err != nil {
		return err
	}
	defer model.DestroyRuntime()

	// the model's own directory doubles as asset and local storage
	dir, name := filepath.Split(modelPath)
	if dir == "" {
		dir = "."
	}
	provider := model.NewProvider(os.DirFS(dir), dir, &model.ORTEngine{IntraOpThreads: cfg.IntraOpThreads}, log)
	defer provider.Close()

	session, err := provider.EnsureLoaded(context.Background(), name)
	if err != nil {
		return err
	}

	out, err := session.Run(context.Background(), tensor)
	if err != nil {
		return err
	}
	flat, err := postprocess.Flatten(out)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"model": name, "imgsz": imageSize, "values": len(flat)}).Debug("Inference done")
	return json.NewEncoder(os.Stdout).Encode(flat)
}

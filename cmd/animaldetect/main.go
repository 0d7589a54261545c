package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

var app = &cli.App{
	Name:            "animaldetect",
	Usage:           "detect animals in images and videos",
	Version:         version,
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
			EnvVars: []string{"ANIMALDETECT_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "text or json",
		},
		&cli.StringFlag{
			Name:  "models-dir",
			Usage: "directory holding .bq model bundles",
		},
		&cli.StringFlag{
			Name:    "model",
			Aliases: []string{"m"},
			Usage:   "bundle `NAME`; empty picks the newest bundle",
		},
		&cli.StringFlag{
			Name:  "remote",
			Usage: "delegate detection to the server at `URL`",
		},
		&cli.Float64Flag{
			Name:  "conf",
			Usage: "confidence threshold override",
		},
		&cli.Float64Flag{
			Name:  "nms",
			Usage: "NMS IoU threshold override",
		},
		&cli.StringFlag{
			Name:  "onnx-lib",
			Usage: "path to the onnxruntime shared library",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "detect",
			Usage:     "detect objects in image files",
			ArgsUsage: "IMAGE...",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "json", Usage: "print detections as JSON"},
				&cli.BoolFlag{Name: "annotate", Usage: "write predict_<name> images with boxes drawn"},
			},
			Action: detectAction,
		},
		{
			Name:      "video",
			Usage:     "annotate a video; a directory picks its newest video",
			ArgsUsage: "INPUT",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "refresh", Aliases: []string{"n"}, Usage: "run the detector every `N` frames"},
				&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output path (default predict_<input>)"},
				&cli.StringFlag{Name: "encoder", Usage: "ffmpeg H.264 encoder"},
				&cli.IntFlag{Name: "quality", Usage: "encoder quality (0 picks the encoder default)"},
				&cli.StringFlag{Name: "preview", Usage: "keep the latest annotated frame as a JPEG in `FILE`"},
			},
			Action: videoAction,
		},
		{
			Name:      "batch",
			Usage:     "detect objects in a folder of images or a PDF and write a YAML report",
			ArgsUsage: "PATH",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "images processed in parallel (default from host)"},
				&cli.StringFlag{Name: "report", Aliases: []string{"o"}, Value: "detections.yaml", Usage: "report `FILE`"},
				&cli.IntFlag{Name: "dpi", Value: 150, Usage: "PDF render resolution"},
			},
			Action: batchAction,
		},
		{
			Name:      "report",
			Usage:     "summarise a YAML report written by batch",
			ArgsUsage: "FILE",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "failed", Usage: "list the images that could not be processed"},
			},
			Action: reportAction,
		},
		{
			Name:   "models",
			Usage:  "list model bundles, locally or on --remote",
			Action: modelsAction,
		},
		{
			Name:            "bundle",
			Usage:           "work with .bq model bundles",
			HideHelpCommand: true,
			Subcommands: []*cli.Command{
				{
					Name:      "pack",
					Usage:     "build a bundle from a YAML manifest and an ONNX graph",
					ArgsUsage: "MANIFEST",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "bundle path (default <name>.bq in --models-dir)"},
					},
					Action: bundlePackAction,
				},
				{
					Name:      "inspect",
					Usage:     "print the metadata of a bundle",
					ArgsUsage: "BUNDLE",
					Action:    bundleInspectAction,
				},
			},
		},
		{
			Name:  "serve",
			Usage: "serve the detector over HTTP",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "host", Usage: "listen address"},
				&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "listen port (default 8791)"},
				&cli.IntFlag{Name: "pool", Usage: "engines loaded for concurrent requests (default from host)"},
				&cli.BoolFlag{Name: "no-qr", Usage: "do not print the QR code"},
			},
			Action: serveAction,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[-] %v\n", err)
		os.Exit(1)
	}
}

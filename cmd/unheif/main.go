// Command unheif extracts the primary image item of a HEIC/AVIF/AVIC file
// into a raw elementary stream (Annex-B for HEVC/AVC, IVF for AV1).
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/phsym/console-slog"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/avpack/unheif"
	"github.com/avpack/unheif/heif"
)

func main() {
	outFlag := flag.String("o", "", "output path (default: input with codec extension)")
	exifFlag := flag.Bool("exif", false, "dump EXIF tags instead of extracting")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-o out] [-exif] [-v] <file.heic|file.avif>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(console.NewHandler(os.Stderr, &console.HandlerOptions{Level: level}))

	if err := run(logger, flag.Arg(0), *outFlag, *exifFlag); err != nil {
		logger.Error("failed", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, inPath, outPath string, dumpExif bool) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}

	f := heif.Open(in, fi.Size())

	if dumpExif {
		return printExif(f)
	}

	codec, err := unheif.DetectCodec(f)
	if err != nil {
		return err
	}
	logger.Debug("detected codec", "codec", codec.String())

	if it, err := f.PrimaryItem(); err == nil {
		if w, h, ok := it.VisualDimensions(); ok {
			logger.Info("primary item", "id", it.ID, "width", w, "height", h)
		} else {
			logger.Info("primary item", "id", it.ID)
		}
	}

	if outPath == "" {
		outPath = strings.TrimSuffix(inPath, ext(inPath)) + codec.OutputExt()
	}
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}

	if _, err := unheif.Extract(out, f); err != nil {
		// A partial output file is invalid; don't leave it around.
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return err
	}

	st, err := os.Stat(outPath)
	if err != nil {
		return err
	}
	logger.Info("extracted", "codec", codec.String(), "out", outPath, "bytes", st.Size())
	return nil
}

func ext(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i:]
	}
	return ""
}

func printExif(f *heif.File) error {
	raw, err := f.EXIF()
	if err != nil {
		return err
	}
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return x.Walk(walkFunc(func(name exif.FieldName, tag *tiff.Tag) error {
		fmt.Printf("%s: %s\n", name, tag.String())
		return nil
	}))
}

type walkFunc func(exif.FieldName, *tiff.Tag) error

func (fn walkFunc) Walk(name exif.FieldName, tag *tiff.Tag) error {
	return fn(name, tag)
}

package main

import (
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gogpu/vgpu/display"
)

func TestRunWritesPNG(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.png")
	cfg := config{width: 32, height: 24, output: out, frames: 2, surface: "offscreen"}
	if err := run(cfg); err != nil {
		t.Fatalf("run: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Errorf("image size = %dx%d, want 32x24", b.Dx(), b.Dy())
	}
}

func TestRunReturnsSurfaceError(t *testing.T) {
	cfg := config{width: 8, height: 8, output: filepath.Join(t.TempDir(), "x.png"), frames: 1, surface: "missing"}
	err := run(cfg)
	var nf *display.BackendNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("run = %v, want BackendNotFoundError", err)
	}
}

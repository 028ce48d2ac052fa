// Command vgpudemo composes a few color buffers on the software backend,
// presents the result on an offscreen surface and writes it as a PNG.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/compose"
	"github.com/gogpu/vgpu/display"
	"github.com/gogpu/vgpu/gpu/soft"
	"github.com/gogpu/vgpu/metrics"
	"github.com/gogpu/vgpu/registry"
)

const demoPID registry.ProcessID = 1

type config struct {
	width, height int
	output        string
	frames        int
	surface       string
	metricsAddr   string
}

func main() {
	var (
		cfg     config
		verbose bool
	)
	flag.IntVar(&cfg.width, "width", 800, "image width")
	flag.IntVar(&cfg.height, "height", 600, "image height")
	flag.StringVar(&cfg.output, "output", "vgpu.png", "output file")
	flag.IntVar(&cfg.frames, "frames", 3, "number of compositions to run")
	flag.StringVar(&cfg.surface, "surface", "offscreen", "surface backend; empty picks the best available")
	flag.BoolVar(&verbose, "v", false, "enable debug logging")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address after rendering")
	flag.Parse()

	if verbose {
		vgpu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config) error {
	zl, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("create zap logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()

	promReg := prometheus.NewRegistry()
	sink := metrics.Multi{metrics.NewZap(zl), metrics.NewPrometheus(promReg)}

	dev := soft.NewDevice()
	defer dev.Close()

	r, err := vgpu.New(dev,
		vgpu.WithMetrics(sink),
		vgpu.WithMaxFramesInFlight(2),
		vgpu.WithHealthInterval(100*time.Millisecond),
		vgpu.WithSurfaceBackend(cfg.surface, display.Options{Width: cfg.width, Height: cfg.height, Label: "vgpudemo"}),
	)
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}
	defer r.Close()

	target, err := newBuffer(r, dev, cfg.width, cfg.height, nil)
	if err != nil {
		return err
	}
	background, err := newBuffer(r, dev, 64, 64, nil)
	if err != nil {
		return err
	}
	if err := fillGradient(r, background, 64, 64); err != nil {
		return err
	}
	var spots []registry.Handle
	for _, c := range []color.RGBA{
		{R: 255, G: 77, B: 77, A: 255},
		{R: 77, G: 255, B: 77, A: 255},
		{R: 77, G: 77, B: 255, A: 255},
	} {
		h, err := newBuffer(r, dev, 16, 16, c)
		if err != nil {
			return err
		}
		spots = append(spots, h)
	}

	ctx := context.Background()
	for i := range cfg.frames {
		tk, err := r.Compose(target, demoLayers(background, spots, cfg.width, cfg.height, i))
		if err != nil {
			return fmt.Errorf("compose: %w", err)
		}
		if err := tk.Done.Wait(ctx); err != nil {
			return fmt.Errorf("composition %d: %w", i, err)
		}
		pt, err := r.Post(target)
		if err != nil {
			return fmt.Errorf("post: %w", err)
		}
		if err := pt.Done.Wait(ctx); err != nil {
			return fmt.Errorf("post %d: %w", i, err)
		}
	}

	frame := image.NewRGBA(image.Rect(0, 0, cfg.width, cfg.height))
	if off, ok := r.Surface().(*display.Offscreen); ok {
		frame = off.Frame()
	} else {
		st, err := r.Screenshot(target, frame)
		if err != nil {
			return fmt.Errorf("screenshot: %w", err)
		}
		if err := st.Done.Wait(ctx); err != nil {
			return fmt.Errorf("screenshot: %w", err)
		}
	}
	if err := savePNG(cfg.output, frame); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	stats := r.Scheduler().Stats()
	log.Printf("Demo saved to %s (%dx%d): %d compositions, %d posts, %s\n",
		cfg.output, cfg.width, cfg.height, stats.Composed, stats.Posted, r.Registry().Stats())

	if cfg.metricsAddr != "" {
		serveMetrics(cfg.metricsAddr, promReg)
	}
	return nil
}

// newBuffer registers a soft color buffer, filled with c when non-nil.
func newBuffer(r *vgpu.Renderer, dev *soft.Device, w, h int, c color.Color) (registry.Handle, error) {
	img := dev.NewColorBuffer(w, h)
	if c != nil {
		img.Fill(c)
	}
	handle, err := r.Registry().CreateColorBuffer(demoPID, img, registry.ColorBufferDesc{Width: w, Height: h})
	if err != nil {
		return 0, fmt.Errorf("create color buffer: %w", err)
	}
	return handle, nil
}

// fillGradient uploads a vertical gradient into h.
func fillGradient(r *vgpu.Renderer, h registry.Handle, w, ht int) error {
	pix := make([]byte, w*ht*4)
	for y := range ht {
		t := float64(y) / float64(ht)
		for x := range w {
			i := (y*w + x) * 4
			pix[i+0] = uint8(255 * (0.1 + t*0.4))
			pix[i+1] = uint8(255 * (0.2 + t*0.3))
			pix[i+2] = uint8(255 * (0.4 + t*0.2))
			pix[i+3] = 255
		}
	}
	ok, err := r.Registry().UpdateColorBuffer(h, 0, 0, w, ht, pix)
	if err != nil {
		return fmt.Errorf("upload gradient: %w", err)
	}
	if !ok {
		return fmt.Errorf("upload gradient: color buffer %d not writable", h)
	}
	return nil
}

// demoLayers scales the background over the whole target and places three
// translucent spots that drift with frame.
func demoLayers(background registry.Handle, spots []registry.Handle, w, h, frame int) []compose.Layer {
	layers := []compose.Layer{{Source: background, Dst: image.Rect(0, 0, w, h)}}
	size := min(w, h) / 4
	transforms := []compose.Transform{compose.TransformNone, compose.TransformRot90, compose.TransformFlipH}
	for i, s := range spots {
		x := w/8 + i*size*3/4 + frame*size/8
		y := h/3 + (i%2)*size/2
		layers = append(layers, compose.Layer{
			Source:    s,
			Dst:       image.Rect(x, y, x+size, y+size),
			Blend:     compose.BlendPremultiplied,
			Alpha:     0.8,
			Transform: transforms[i%len(transforms)],
		})
	}
	return layers
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// serveMetrics serves promReg until interrupted.
func serveMetrics(addr string, promReg *prometheus.Registry) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("Serving metrics on %s/metrics\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Metrics server: %v\n", err)
	}
}

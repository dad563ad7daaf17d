// Command gpumemdemo drives a memory manager through a few hundred frames
// of a typical renderer workload and prints the resulting statistics.
package main

import (
	"bytes"
	"flag"
	"image"
	"image/color"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpumem"
	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/backend/native"
	"github.com/gogpu/gpumem/backend/soft"
)

func main() {
	var (
		backendName = flag.String("backend", "software", "backend: software, native, noop")
		configPath  = flag.String("config", "", "TOML configuration file")
		frames      = flag.Int("frames", 240, "frames to run")
		sceneEvery  = flag.Int("scene", 60, "frames per scene")
		latency     = flag.Duration("latency", 2*time.Millisecond, "software queue latency")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "gpumemdemo",
	})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}
	gpumem.SetLogger(slog.New(logger))

	cfg := gpumem.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = gpumem.LoadConfig(*configPath); err != nil {
			logger.Fatal("load config", "path", *configPath, "err", err)
		}
	}

	dev, err := openDevice(*backendName, *latency)
	if err != nil {
		logger.Fatal("open device", "backend", *backendName, "err", err)
	}
	defer dev.Destroy()

	m, err := gpumem.New(dev, cfg)
	if err != nil {
		logger.Fatal("create manager", "err", err)
	}
	defer m.Close()

	start := time.Now()
	if err := run(m, *frames, *sceneEvery); err != nil {
		logger.Fatal("run", "frame", m.Frame(), "err", err)
	}
	logger.Info("done", "backend", dev.Name(), "frames", m.Frame(), "elapsed", time.Since(start).Round(time.Millisecond))
	logger.Print(m.Stats().String())
}

func openDevice(name string, latency time.Duration) (backend.Device, error) {
	switch name {
	case "noop":
		d, err := native.OpenNoop()
		if err != nil {
			return nil, err
		}
		return d, nil
	case backend.BackendSoftware:
		return soft.New(soft.Options{Latency: latency}), nil
	default:
		return backend.Open(name)
	}
}

// run uploads a permanent texture once, rebuilds per-scene geometry every
// sceneEvery frames and streams per-frame constants.
func run(m *gpumem.Manager, frames, sceneEvery int) error {
	atlas, err := m.AllocateTexture2D(64, 64, 1, gputypes.TextureFormatRGBA8Unorm, gpumem.Permanent, "atlas")
	if err != nil {
		return err
	}
	smp, err := m.AllocateSampler(backend.AddressRepeat, backend.BorderColorTransparentBlack, 0, 1000, gpumem.Permanent)
	if err != nil {
		return err
	}
	m.AppendName(atlas, "/checker")

	var vertices gpumem.Handle
	for i := 0; i < frames; i++ {
		if err := m.BeginFrame(); err != nil {
			return err
		}
		if i == 0 {
			if err := m.SetImage(atlas, checker(64)); err != nil {
				return err
			}
		}
		if i%sceneEvery == 0 {
			if vertices, err = m.AllocateVertexBuffer(4096, 32, gpumem.PerScene, "scene/vertices"); err != nil {
				return err
			}
			m.SetData(vertices, bytes.Repeat([]byte{byte(i)}, int(m.Describe(vertices).Size)))
		}
		for j := 0; j < 8; j++ {
			cb, err := m.AllocateConstantBuffer(256, gpumem.PerFrame, "frame/constants")
			if err != nil {
				return err
			}
			m.SetData(cb, bytes.Repeat([]byte{byte(i + j)}, 256))
		}
		if err := m.EndFrame(); err != nil {
			return err
		}
		m.ResetPerFrameMemory()
		if (i+1)%sceneEvery == 0 {
			m.ResetPerSceneMemory()
		}
	}

	if err := m.FlushGPU(); err != nil {
		return err
	}
	gpumem.Logger().Info("resources", "atlas", m.Name(atlas), "sampler", m.Name(smp))
	return nil
}

func checker(n int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, n, n))
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			c := color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
			if (x/8+y/8)%2 == 0 {
				c = color.RGBA{R: 0xe0, G: 0x80, B: 0x20, A: 0xff}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

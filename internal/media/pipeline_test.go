package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"parts-enrichment/internal/models"
	"parts-enrichment/internal/supplier"
)

func servePNG(t *testing.T, width, height int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPipelineThumbnail(t *testing.T) {
	srv := servePNG(t, 10, 10)
	tempDir := t.TempDir()

	pipeline, err := NewPipeline(context.Background(), Options{
		OutputDir:       tempDir,
		DownloadTimeout: 2 * time.Second,
		MaxBytes:        2 * 1024 * 1024,
		Width:           5,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	location, err := pipeline.Thumbnail(context.Background(), srv.URL, "thumbs/test.png")
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if want := filepath.Join(tempDir, "thumbs", "test.png"); location != want {
		t.Fatalf("expected location %q, got %q", want, location)
	}

	data, err := os.ReadFile(location)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	out, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Bounds().Dx() != 5 {
		t.Fatalf("expected width 5, got %d", out.Bounds().Dx())
	}
}

func TestPipelineRejectsOversizedImages(t *testing.T) {
	srv := servePNG(t, 50, 50)
	pipeline, err := NewPipeline(context.Background(), Options{
		OutputDir: t.TempDir(),
		MaxBytes:  16,
		Width:     5,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if _, err := pipeline.Thumbnail(context.Background(), srv.URL, "big.png"); err == nil {
		t.Fatalf("expected oversized download to fail")
	}
}

func TestExecutorServesImageOnly(t *testing.T) {
	srv := servePNG(t, 10, 10)
	pipeline, err := NewPipeline(context.Background(), Options{
		OutputDir: t.TempDir(),
		Width:     5,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	exec := NewExecutor(pipeline, srv.URL+"/%s.png")
	ref := supplier.PartRef{ID: "r-100k", Name: "100k resistor"}

	res, err := exec.Execute(context.Background(), ref, models.CapabilityImage)
	if err != nil {
		t.Fatalf("execute image: %v", err)
	}
	if res.Location == "" {
		t.Fatalf("expected a stored location")
	}

	_, err = exec.Execute(context.Background(), ref, models.CapabilityPricing)
	var capErr *supplier.CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected capability-scoped error, got %v", err)
	}
}

// Package transform implements the pluggable per-frame overlay effect
// described in §4.4: a pure function over RGB24 frames that may consult a
// process-wide overlay image cache. The current concrete transform draws a
// fixed watermark, built with gocv the same way the teacher's cvpipe
// pipeline used gocv.Mat operations for its Haar-cascade overlay drawing.
package transform

import (
	"image"
	"image/color"
	"sync"

	"gocv.io/x/gocv"
)

// Transform is the pure (frame, params) -> frame contract.
type Transform func(frame []byte, width, height int, overlayURL string, opacity float64) []byte

// Cache is a process-wide, load-on-miss, no-eviction overlay image cache
// keyed by URL, per §4.4.
type Cache struct {
	mu    sync.RWMutex
	byURL map[string]gocv.Mat
}

// NewCache constructs an empty overlay cache.
func NewCache() *Cache {
	return &Cache{byURL: make(map[string]gocv.Mat)}
}

// get returns the decoded overlay image for url, loading and caching it on
// miss. Loading failures return an empty, invalid Mat — callers treat that
// as "no overlay available" and draw the watermark badge instead.
func (c *Cache) get(url string) gocv.Mat {
	c.mu.RLock()
	m, ok := c.byURL[url]
	c.mu.RUnlock()
	if ok {
		return m
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.byURL[url]; ok {
		return m
	}
	m = gocv.IMRead(url, gocv.IMReadColor)
	c.byURL[url] = m
	return m
}

// Evict drops one cached overlay (url != "") or the entire cache
// (url == ""), releasing the underlying gocv.Mat resources.
func (c *Cache) Evict(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if url == "" {
		for _, m := range c.byURL {
			m.Close()
		}
		c.byURL = make(map[string]gocv.Mat)
		return
	}
	if m, ok := c.byURL[url]; ok {
		m.Close()
		delete(c.byURL, url)
	}
}

// WatermarkTransform is the current concrete transform. When an overlay URL
// is set and its image loads, it blends that image, resized to the whole
// frame, over the frame at the given opacity; otherwise it draws a fixed
// text badge near the bottom-right corner. Landmark-anchored compositing is
// not done.
type WatermarkTransform struct {
	cache *Cache
	label string
}

// NewWatermarkTransform builds the default transform, sharing the given
// cache (or a fresh private one if nil).
func NewWatermarkTransform(cache *Cache) *WatermarkTransform {
	if cache == nil {
		cache = NewCache()
	}
	return &WatermarkTransform{cache: cache, label: "overlaymeet"}
}

// Apply implements Transform. frame must be exactly width*height*3 bytes
// of contiguous RGB24, and the returned slice has the same shape.
func (t *WatermarkTransform) Apply(frame []byte, width, height int, overlayURL string, opacity float64) []byte {
	if len(frame) != width*height*3 {
		return frame
	}

	mat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, frame)
	if err != nil {
		return frame
	}
	defer mat.Close()

	if overlayURL != "" {
		t.compositeOverlay(&mat, overlayURL, opacity, width, height)
	} else {
		t.drawBadge(&mat, width, height, opacity)
	}

	return mat.ToBytes()
}

func (t *WatermarkTransform) compositeOverlay(mat *gocv.Mat, overlayURL string, opacity float64, width, height int) {
	overlay := t.cache.get(overlayURL)
	if overlay.Empty() {
		t.drawBadge(mat, width, height, opacity)
		return
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(overlay, &resized, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)

	blended := gocv.NewMat()
	defer blended.Close()
	gocv.AddWeighted(*mat, 1-clampOpacity(opacity), resized, clampOpacity(opacity), 0, &blended)
	blended.CopyTo(mat)
}

func (t *WatermarkTransform) drawBadge(mat *gocv.Mat, width, height int, opacity float64) {
	badgeColor := color.RGBA{R: 255, G: 255, B: 255, A: uint8(255 * clampOpacity(opacity))}
	origin := image.Pt(width-160, height-24)
	gocv.PutText(mat, t.label, origin, gocv.FontHersheySimplex, 0.6, badgeColor, 2)
}

func clampOpacity(o float64) float64 {
	if o < 0 {
		return 0
	}
	if o > 1 {
		return 1
	}
	return o
}

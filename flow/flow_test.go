package flow

import (
	"image"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

// texture fills a w x h image with random 8x8 blocks, shifted by (dx, dy).
func texture(w, h, dx, dy int, seed int64) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	const block = 8
	bw, bh := w/block+2, h/block+2
	cells := make([]uint8, bw*bh)
	for i := range cells {
		cells[i] = uint8(rng.Intn(256))
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := x-dx+block, y-dy+block
			if sx < 0 || sy < 0 {
				continue
			}
			img.Pix[y*img.Stride+x] = cells[(sy/block)*bw+sx/block]
		}
	}
	return img
}

func TestDetect(t *testing.T) {
	e := NewEngine(DefaultTrackerConfig(), logging.NewTestLogger(t))

	pts, err := e.Detect(texture(320, 240, 0, 0, 1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(pts), test.ShouldBeGreaterThan, 100)
	for _, p := range pts {
		test.That(t, p.X, test.ShouldBeBetweenOrEqual, 0, 319)
		test.That(t, p.Y, test.ShouldBeBetweenOrEqual, 0, 239)
	}

	flat := image.NewGray(image.Rect(0, 0, 320, 240))
	pts, err = e.Detect(flat)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pts, test.ShouldBeEmpty)
}

func TestTrack(t *testing.T) {
	e := NewEngine(DefaultTrackerConfig(), logging.NewTestLogger(t))
	prev := texture(320, 240, 0, 0, 2)
	cur := texture(320, 240, 3, 2, 2)

	ref, err := e.Detect(prev)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(ref), test.ShouldBeGreaterThan, 100)
	refCopy := append([]r2.Point(nil), ref...)

	corr, err := e.Track(prev, cur, ref)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ref, test.ShouldResemble, refCopy)

	test.That(t, corr.Len(), test.ShouldBeGreaterThan, len(ref)/2)
	test.That(t, len(corr.Reference), test.ShouldEqual, corr.Len())
	test.That(t, len(corr.Disparities), test.ShouldEqual, corr.Len())
	for i := range corr.Current {
		p := corr.Current[i]
		test.That(t, p.X, test.ShouldBeBetween, -1e-9, 320)
		test.That(t, p.Y, test.ShouldBeBetween, -1e-9, 240)
		test.That(t, corr.Disparities[i], test.ShouldAlmostEqual, corr.Reference[i].Sub(p).Norm())
	}
	// a (3, 2) shift
	test.That(t, corr.MedianDisparity(), test.ShouldAlmostEqual, 3.6, 0.2)
}

func TestTrackEmpty(t *testing.T) {
	e := NewEngine(DefaultTrackerConfig(), logging.NewTestLogger(t))
	img := texture(64, 48, 0, 0, 3)

	corr, err := e.Track(img, img, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, corr.Len(), test.ShouldEqual, 0)
	test.That(t, corr.Reference, test.ShouldBeEmpty)
	test.That(t, corr.Disparities, test.ShouldBeEmpty)
}

func TestTrackDropsPointsOutsideImage(t *testing.T) {
	e := NewEngine(DefaultTrackerConfig(), logging.NewTestLogger(t))
	prev := texture(320, 240, 0, 0, 4)
	cur := texture(320, 240, 6, 0, 4)

	// right edge corners move out of view
	ref := []r2.Point{{X: 318, Y: 120}, {X: 319, Y: 60}}
	corr, err := e.Track(prev, cur, ref)
	test.That(t, err, test.ShouldBeNil)
	for _, p := range corr.Current {
		test.That(t, p.X, test.ShouldBeLessThan, 320)
	}
}

func TestNilImage(t *testing.T) {
	e := NewEngine(DefaultTrackerConfig(), logging.NewTestLogger(t))
	_, err := e.Detect(nil)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = e.Track(nil, texture(8, 8, 0, 0, 1), []r2.Point{{X: 1, Y: 1}})
	test.That(t, err, test.ShouldNotBeNil)
}

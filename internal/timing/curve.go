package timing

import (
	"encoding/binary"
	"fmt"
	"math"
)

// clampEpsilon is the floor below which probabilities are forced to zero
// after every curve operation.
const clampEpsilon = 1e-12

// Curve is a non-negative probability surface over the 10,080 minute slots
// of a week, summing to 1 unless suppressed (identically zero).
type Curve struct {
	probs      []float64
	suppressed bool
}

// Uniform returns the flat curve (every slot = 1/10080).
func Uniform() *Curve {
	p := make([]float64, MinutesPerWeek)
	u := 1.0 / float64(MinutesPerWeek)
	for i := range p {
		p[i] = u
	}
	return &Curve{probs: p}
}

// FromVector builds a curve from a raw non-negative vector, clamping and
// normalizing. A zero or all-negative vector yields the uniform curve.
func FromVector(v []float64) (*Curve, error) {
	if len(v) != MinutesPerWeek {
		return nil, fmt.Errorf("expected %d probabilities, got %d", MinutesPerWeek, len(v))
	}
	p := make([]float64, MinutesPerWeek)
	copy(p, v)
	c := &Curve{probs: p}
	c.clamp()
	if !c.normalize() {
		return Uniform(), nil
	}
	return c, nil
}

// Suppressed reports whether the curve collapsed to identically zero.
func (c *Curve) Suppressed() bool { return c.suppressed }

// Prob returns the probability at an exact slot (modular).
func (c *Curve) Prob(slot int) float64 {
	return c.probs[((slot%MinutesPerWeek)+MinutesPerWeek)%MinutesPerWeek]
}

// Probabilities returns a copy of the underlying vector.
func (c *Curve) Probabilities() []float64 {
	out := make([]float64, MinutesPerWeek)
	copy(out, c.probs)
	return out
}

// Clone returns an independent copy.
func (c *Curve) Clone() *Curve {
	return &Curve{probs: append([]float64(nil), c.probs...), suppressed: c.suppressed}
}

// Sum returns the total mass (≈1 unless suppressed).
func (c *Curve) Sum() float64 {
	var s float64
	for _, p := range c.probs {
		s += p
	}
	return s
}

// Interpolate linearly interpolates between adjacent slots, wrapping at the
// week boundary.
func (c *Curve) Interpolate(x float64) float64 {
	x = math.Mod(x, MinutesPerWeek)
	if x < 0 {
		x += MinutesPerWeek
	}
	lo := int(math.Floor(x))
	frac := x - float64(lo)
	hi := (lo + 1) % MinutesPerWeek
	return c.probs[lo]*(1-frac) + c.probs[hi]*frac
}

// Peak returns the global argmax slot; ties break to the smaller index.
func (c *Curve) Peak() int {
	best := 0
	for i := 1; i < MinutesPerWeek; i++ {
		if c.probs[i] > c.probs[best] {
			best = i
		}
	}
	return best
}

// PeakInWindow returns the argmax slot within the closed [start, end]
// window, which may wrap the week boundary. Ties break to the smaller slot
// index.
func (c *Curve) PeakInWindow(start, end int) (int, float64) {
	bestSlot := -1
	bestProb := -1.0
	for _, s := range WindowSlots(start, end) {
		p := c.probs[s]
		if p > bestProb || (p == bestProb && s < bestSlot) {
			bestSlot, bestProb = s, p
		}
	}
	return bestSlot, bestProb
}

// ApplyWeights multiplies each entry by (1 + ω_i). A weight of −1 (or
// below) forces the entry to zero. The result is renormalized unless it is
// identically zero, in which case the curve is marked suppressed.
func (c *Curve) ApplyWeights(omega []float64) error {
	if len(omega) != MinutesPerWeek {
		return fmt.Errorf("expected %d weights, got %d", MinutesPerWeek, len(omega))
	}
	for i, w := range omega {
		f := 1 + w
		if f <= 0 || w <= -1 {
			c.probs[i] = 0
			continue
		}
		c.probs[i] *= f
	}
	c.clamp()
	if !c.normalize() {
		c.suppressed = true
	}
	return nil
}

// ClipToWindow zeroes every slot outside the closed [start, end] window and
// renormalizes; an empty result marks the curve suppressed.
func (c *Curve) ClipToWindow(start, end int) {
	keep := make([]bool, MinutesPerWeek)
	for _, s := range WindowSlots(start, end) {
		keep[s] = true
	}
	for i := range c.probs {
		if !keep[i] {
			c.probs[i] = 0
		}
	}
	c.clamp()
	if !c.normalize() {
		c.suppressed = true
	}
}

// Confidence scores curve sharpness as 1 − H(p)/ln(10080) with base-e
// entropy. Uniform ⇒ 0, delta ⇒ 1, suppressed ⇒ 0.
func (c *Curve) Confidence() float64 {
	if c.suppressed {
		return 0
	}
	var entropy float64
	for _, p := range c.probs {
		if p > 0 {
			entropy -= p * math.Log(p)
		}
	}
	conf := 1 - entropy/math.Log(MinutesPerWeek)
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

func (c *Curve) clamp() {
	for i, p := range c.probs {
		if p < clampEpsilon || math.IsNaN(p) {
			c.probs[i] = 0
		}
	}
}

// normalize divides by the total sum; returns false when the mass is zero.
func (c *Curve) normalize() bool {
	s := c.Sum()
	if s <= 0 {
		for i := range c.probs {
			c.probs[i] = 0
		}
		return false
	}
	for i := range c.probs {
		c.probs[i] /= s
	}
	return true
}

// SmoothCircular convolves the histogram with a Gaussian of the given sigma
// (in minutes), wrapping at the week boundary so Sunday 23:59 bleeds into
// Monday 00:00. The kernel is truncated at 4σ.
func SmoothCircular(hist []float64, sigma float64) []float64 {
	out := make([]float64, len(hist))
	if sigma <= 0 {
		copy(out, hist)
		return out
	}
	radius := int(math.Ceil(4 * sigma))
	if radius >= len(hist)/2 {
		radius = len(hist)/2 - 1
	}
	kernel := make([]float64, 2*radius+1)
	var ksum float64
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = v
		ksum += v
	}
	for i := range kernel {
		kernel[i] /= ksum
	}

	n := len(hist)
	for i := range hist {
		if hist[i] == 0 {
			continue
		}
		for k := -radius; k <= radius; k++ {
			out[((i+k)%n+n)%n] += hist[i] * kernel[k+radius]
		}
	}
	return out
}

// MarshalBinary packs the curve as little-endian float32, the on-wire cache
// format.
func (c *Curve) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4*MinutesPerWeek)
	for i, p := range c.probs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(p)))
	}
	return buf, nil
}

// UnmarshalCurve reloads a packed float32 curve and renormalizes.
func UnmarshalCurve(data []byte) (*Curve, error) {
	if len(data) != 4*MinutesPerWeek {
		return nil, fmt.Errorf("curve payload must be %d bytes, got %d", 4*MinutesPerWeek, len(data))
	}
	v := make([]float64, MinutesPerWeek)
	for i := range v {
		v[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
	}
	return FromVector(v)
}

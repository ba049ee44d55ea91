// Package backoff implements exponential retry backoff with jitter.
package backoff

import (
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

var timeNow = func() time.Time { return time.Now() }

// RandReader provides https://pkg.go.dev/math/rand/v2#Float64.
type RandReader interface{ Float64() float64 }

// Backoff is a stateless exponential backoff calculator.
type Backoff struct {
	Min        time.Duration // Delay floor, must be >0 and <=Max.
	Max        time.Duration // Delay cap.
	Factor     float64       // Exponential growth factor, must be >1.0.
	Jitter     float64       // Jitter ratio in [0.0, 1.0].
	RandSource RandReader
}

// New validates the parameters and returns a ready Backoff.
// A nil randSource gets a fresh PCG source.
func New(
	min, max time.Duration, factor, jitter float64, randSource RandReader,
) (Backoff, error) {
	if min <= 0 {
		return Backoff{}, fmt.Errorf("min(%d) must be >0", min)
	}
	if min > max {
		return Backoff{}, fmt.Errorf("min(%s) > max(%s)", min, max)
	}
	if factor <= 1.0 {
		return Backoff{}, fmt.Errorf("factor(%g) must be >1.0", factor)
	}
	if jitter < 0 || jitter > 1 {
		return Backoff{}, fmt.Errorf("jitter(%g) must be >=0.0 && <=1.0", jitter)
	}
	if randSource == nil {
		randSource = rand.New(rand.NewPCG(uint64(timeNow().Unix()), rand.Uint64()))
	}
	return Backoff{
		Min:        min,
		Max:        max,
		Factor:     factor,
		Jitter:     jitter,
		RandSource: randSource,
	}, nil
}

// Duration returns the delay before the given retry attempt.
// Attempt 0 is the initial try and gets no delay.
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	exp := float64(b.Min) * math.Pow(b.Factor, float64(attempt-1))
	d := min(time.Duration(exp), b.Max)
	if b.Jitter == 0 {
		return d
	}
	r := b.RandSource.Float64()*2 - 1 // In [-1.0, 1.0].
	delta := float64(d) * b.Jitter * r
	return max(d+time.Duration(delta), b.Min)
}

// Atomic tracks the retry attempt counter across goroutines.
type Atomic struct {
	lock        sync.Mutex
	attempt     int32
	lastAttempt time.Time
	conf        Backoff
}

func NewAtomic(conf Backoff) *Atomic {
	return &Atomic{conf: conf}
}

// Reset resets the attempt counter.
func (b *Atomic) Reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.lastAttempt, b.attempt = time.Time{}, 0
}

// Duration returns the remaining delay for the current attempt and
// advances the counter. Time already spent since the previous call
// counts against the delay, a fully elapsed delay returns zero.
func (b *Atomic) Duration() time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()

	now := timeNow()
	attempt := b.attempt
	b.attempt++
	d := b.conf.Duration(int(attempt))
	if b.lastAttempt.IsZero() {
		b.lastAttempt = now
		return d
	}
	waited := now.Sub(b.lastAttempt)
	b.lastAttempt = now
	if waited > d {
		return 0
	}
	return d - waited
}

// Iter yields (attempt, delay) pairs indefinitely, advancing the counter
// on every step.
func (b *Atomic) Iter() iter.Seq2[int, time.Duration] {
	return func(yield func(int, time.Duration) bool) {
		for i := 0; ; i++ {
			if !yield(i, b.Duration()) {
				break
			}
		}
	}
}

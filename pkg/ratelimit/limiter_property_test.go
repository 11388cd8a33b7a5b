//go:build property
// +build property

// Property-based tests for rate-limiter admission under concurrency.
package ratelimit_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/hostpilot/warden/pkg/ratelimit"
)

// TestAdmissionCeilingProperty verifies the limiter never admits more than
// MaxCalls within one window regardless of caller count and interleaving.
func TestAdmissionCeilingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("admitted <= MaxCalls under concurrent callers", prop.ForAll(
		func(maxCalls int, callers int) bool {
			limiter := ratelimit.New(func(string) ratelimit.Limit {
				return ratelimit.Limit{
					Window:   time.Minute,
					MaxCalls: maxCalls,
					Cooldown: time.Minute,
				}
			}, nil)

			var admitted atomic.Int64
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if limiter.CheckAndRecord("/click").Allowed {
						admitted.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			want := int64(maxCalls)
			if callers < maxCalls {
				want = int64(callers)
			}
			return admitted.Load() == want
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

// TestCooldownRefusalProperty verifies that once tripped, every call inside
// the cooldown is refused with a positive retry hint.
func TestCooldownRefusalProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("cooldown refuses all calls with positive RetryAfter", prop.ForAll(
		func(extraCalls int) bool {
			limiter := ratelimit.New(func(string) ratelimit.Limit {
				return ratelimit.Limit{
					Window:   time.Minute,
					MaxCalls: 1,
					Cooldown: time.Minute,
				}
			}, nil)

			if !limiter.CheckAndRecord("/type").Allowed {
				return false
			}
			for i := 0; i < extraCalls; i++ {
				d := limiter.CheckAndRecord("/type")
				if d.Allowed || d.RetryAfter <= 0 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}

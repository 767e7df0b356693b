package resilience

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		failing    []string
		wantCalled string
		wantErr    bool
	}{
		{"primary success", nil, "voiceflow", false},
		{"failover to secondary", []string{"voiceflow"}, "llm", false},
		{"all fail", []string{"voiceflow", "llm"}, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fg := NewFallbackGroup("vf", "voiceflow", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
			})
			fg.AddFallback("llm", "llm")

			var called string
			err := fg.Execute(func(name string, _ string) error {
				if slices.Contains(tc.failing, name) {
					return errTest
				}
				called = name
				return nil
			})
			if tc.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping the last error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if called != tc.wantCalled {
				t.Errorf("called = %q, want %q", called, tc.wantCalled)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenProvider(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(1, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", 2)

	primaryCalls := 0
	for range 4 {
		_, _ = ExecuteWithResult(fg, func(name string, v int) (int, error) {
			if name == "primary" {
				primaryCalls++
				return 0, errTest
			}
			return v, nil
		})
	}
	if primaryCalls != 2 {
		t.Errorf("primary calls = %d, want 2 (breaker should open)", primaryCalls)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(0, "a", FallbackConfig{})
	fg.AddFallback("b", 0)
	if got := fg.Names(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Names() = %v", got)
	}
}

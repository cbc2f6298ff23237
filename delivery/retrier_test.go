package delivery_test

import (
	"testing"
	"time"

	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/id"
)

func TestRetrierDecide(t *testing.T) {
	retrier := delivery.NewRetrier(nil)

	tests := []struct {
		name     string
		result   delivery.Result
		delivery *delivery.Delivery
		want     delivery.Decision
	}{
		{
			name:     "200 OK → Succeeded",
			result:   delivery.Result{Success: true, StatusCode: 200},
			delivery: &delivery.Delivery{AttemptCount: 1, MaxAttempts: 5},
			want:     delivery.Succeeded,
		},
		{
			name:     "204 No Content → Succeeded",
			result:   delivery.Result{Success: true, StatusCode: 204},
			delivery: &delivery.Delivery{AttemptCount: 1, MaxAttempts: 5},
			want:     delivery.Succeeded,
		},
		{
			name:     "500 → Retry (within limits)",
			result:   delivery.Result{StatusCode: 500},
			delivery: &delivery.Delivery{AttemptCount: 1, MaxAttempts: 5},
			want:     delivery.Retry,
		},
		{
			name:     "404 → Retry (every failure is retryable)",
			result:   delivery.Result{StatusCode: 404},
			delivery: &delivery.Delivery{AttemptCount: 1, MaxAttempts: 5},
			want:     delivery.Retry,
		},
		{
			name:     "401 → Retry (every failure is retryable)",
			result:   delivery.Result{StatusCode: 401},
			delivery: &delivery.Delivery{AttemptCount: 2, MaxAttempts: 5},
			want:     delivery.Retry,
		},
		{
			name:     "429 → Retry (within limits)",
			result:   delivery.Result{StatusCode: 429},
			delivery: &delivery.Delivery{AttemptCount: 4, MaxAttempts: 5},
			want:     delivery.Retry,
		},
		{
			name:     "connection error → Retry (within limits)",
			result:   delivery.Result{StatusCode: 0, Error: "connection refused"},
			delivery: &delivery.Delivery{AttemptCount: 1, MaxAttempts: 5},
			want:     delivery.Retry,
		},
		{
			name:     "500 → Exhausted (attempts spent)",
			result:   delivery.Result{StatusCode: 500},
			delivery: &delivery.Delivery{AttemptCount: 5, MaxAttempts: 5},
			want:     delivery.Exhausted,
		},
		{
			name:     "timeout → Exhausted (attempts spent)",
			result:   delivery.Result{StatusCode: 0, Error: "context deadline exceeded"},
			delivery: &delivery.Delivery{AttemptCount: 5, MaxAttempts: 5},
			want:     delivery.Exhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := retrier.Decide(tt.result, tt.delivery)
			if got != tt.want {
				t.Errorf("Decide() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRetrierNextRetryAtFollowsSchedule(t *testing.T) {
	retrier := delivery.NewRetrier(nil)

	tests := []struct {
		name         string
		attemptCount int
		wantDelay    time.Duration
	}{
		{"attempt 1 → 1m", 1, 1 * time.Minute},
		{"attempt 2 → 5m", 2, 5 * time.Minute},
		{"attempt 3 → 15m", 3, 15 * time.Minute},
		{"attempt 4 → 60m", 4, 60 * time.Minute},
		{"attempt 5 → 240m", 5, 240 * time.Minute},
		{"attempt 9 → 240m (capped at last)", 9, 240 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now().UTC()
			next := retrier.NextRetryAt(tt.attemptCount)
			after := time.Now().UTC()

			expectedMin := before.Add(tt.wantDelay)
			expectedMax := after.Add(tt.wantDelay)

			if next.Before(expectedMin.Add(-time.Millisecond)) || next.After(expectedMax.Add(time.Millisecond)) {
				t.Errorf("NextRetryAt(%d) = %v, expected between %v and %v",
					tt.attemptCount, next, expectedMin, expectedMax)
			}
		})
	}
}

// TestRetrierFullLifecycle walks one delivery through the complete failure
// path: four retries on the backoff schedule, then exhaustion on the fifth
// attempt.
func TestRetrierFullLifecycle(t *testing.T) {
	retrier := delivery.NewRetrier(nil)
	d := &delivery.Delivery{
		ID:          id.NewDeliveryID(),
		State:       delivery.StatePending,
		MaxAttempts: 5,
	}
	failure := delivery.Result{StatusCode: 503}

	for attempt := 1; attempt <= 4; attempt++ {
		d.AttemptCount++
		if got := retrier.Decide(failure, d); got != delivery.Retry {
			t.Fatalf("attempt %d: expected Retry, got %d", attempt, got)
		}
	}

	d.AttemptCount++
	if got := retrier.Decide(failure, d); got != delivery.Exhausted {
		t.Fatalf("attempt 5: expected Exhausted, got %d", got)
	}
	if d.AttemptCount != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", d.AttemptCount)
	}
}

func TestRetrierCustomSchedule(t *testing.T) {
	schedule := []time.Duration{5 * time.Second}
	retrier := delivery.NewRetrier(schedule)

	// Attempt 0 clamps to index 0.
	_ = retrier.NextRetryAt(0)

	d := &delivery.Delivery{
		ID:           id.NewDeliveryID(),
		AttemptCount: 3,
		MaxAttempts:  3,
	}
	if got := retrier.Decide(delivery.Result{StatusCode: 500}, d); got != delivery.Exhausted {
		t.Errorf("expected Exhausted at max attempts, got %d", got)
	}

	d.AttemptCount = 2
	if got := retrier.Decide(delivery.Result{StatusCode: 500}, d); got != delivery.Retry {
		t.Errorf("expected Retry below max, got %d", got)
	}
}

package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"buildloop/internal/taxonomy"
)

func TestCheck(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := Controller{MaxAttempts: 3, MaxWallClock: 30 * time.Minute}

	tests := []struct {
		name      string
		attempt   int
		elapsed   time.Duration
		exhausted bool
	}{
		{"first attempt", 1, 0, false},
		{"last allowed attempt", 3, 10 * time.Minute, false},
		{"attempt over limit", 4, time.Minute, true},
		{"wall clock reached", 2, 30 * time.Minute, true},
		{"just under wall clock", 2, 29*time.Minute + 59*time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := c.Check(tt.attempt, start, start.Add(tt.elapsed))
			assert.Equal(t, tt.exhausted, r.Exhausted)
			if tt.exhausted {
				assert.Equal(t, taxonomy.ReasonBudgetExhausted, r.Reason)
				assert.NotEmpty(t, r.Detail)
			}
		})
	}
}

func TestCheck_ZeroIsUnlimited(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := Controller{}.Check(1000, start, start.Add(240*time.Hour))
	assert.False(t, r.Exhausted)
	assert.False(t, Controller{}.CheckDiff(1_000_000).Exhausted)
}

func TestCheckDiff(t *testing.T) {
	c := Controller{MaxDiffLines: 300}
	assert.False(t, c.CheckDiff(300).Exhausted)

	r := c.CheckDiff(301)
	assert.True(t, r.Exhausted)
	assert.Equal(t, taxonomy.ReasonDiffBudgetExceeded, r.Reason)
	assert.Contains(t, r.Detail, "301")
}

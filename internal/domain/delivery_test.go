package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := domain.DefaultRetryPolicy()

	assert.Equal(t, 1*time.Second, p.Delay(0), "attempts below one clamp to the first delay")
	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 300*time.Second, p.Delay(60), "delay caps at the max backoff")
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := domain.DefaultRetryPolicy()
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}

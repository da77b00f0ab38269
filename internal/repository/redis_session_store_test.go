package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/unionpay/riskgate/internal/models"
)

func TestRedisSessionStore_TTL(t *testing.T) {
	store := NewRedisSessionStore(nil, time.Hour)

	t.Run("fresh session keeps its full lifetime", func(t *testing.T) {
		assert.Equal(t, 10*time.Minute+time.Hour, store.ttl(newTestSession("sess-1", "pay-1")))
	})

	t.Run("measured from the last write", func(t *testing.T) {
		s := newTestSession("sess-2", "pay-2")
		s.UpdatedAt = testNow.Add(4 * time.Minute)
		assert.Equal(t, 6*time.Minute+time.Hour, store.ttl(s))
	})

	t.Run("write after the deadline keeps the retention window", func(t *testing.T) {
		s := newTestSession("sess-3", "pay-3")
		s.State = models.SessionExpired
		s.UpdatedAt = testNow.Add(time.Hour)
		assert.Equal(t, time.Hour, store.ttl(s))
	})

	t.Run("default retention", func(t *testing.T) {
		assert.Equal(t, 10*time.Minute+defaultRedisRetain, NewRedisSessionStore(nil, 0).ttl(newTestSession("sess-4", "pay-4")))
	})
}

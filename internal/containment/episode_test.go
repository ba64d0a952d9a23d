package containment

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tripwire/lookout/internal/item"
)

func TestDeriveEpisode(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Minute)

	disable := Action{Type: ActionDisablePersistence, Status: StatusActive, PersistenceApplied: true, ExpiresAt: later}
	block := Action{Type: ActionBlockNetwork, Status: StatusActive, NetworkApplied: true, ExpiresAt: later}
	fullPartial := Action{Type: ActionFull, Status: StatusPartial, PersistenceApplied: true, ExpiresAt: later}
	failed := Action{Type: ActionBlockNetwork, Status: StatusFailed}
	released := Action{Type: ActionRelease, Status: StatusReleased, PersistenceReverted: true, NetworkReverted: true}
	stale := Action{Type: ActionDisablePersistence, Status: StatusActive, PersistenceApplied: true, ExpiresAt: earlier}

	tests := []struct {
		name string
		rows []Action
		want State
	}{
		{"empty", nil, StateUncontained},
		{"disable", []Action{disable}, StateActive},
		{"disable then block", []Action{disable, block}, StateActive},
		{"full with one missing", []Action{fullPartial}, StatePartial},
		{"failed only", []Action{failed}, StateFailed},
		{"failed join keeps active", []Action{disable, failed}, StateActive},
		{"released", []Action{disable, block, released}, StateUncontained},
		{"new episode after release", []Action{disable, released, block}, StateActive},
		{"expired", []Action{stale}, StateExpired},
		{"extend revives", []Action{stale, {Type: ActionExtend, Status: StatusActive, ExpiresAt: later}}, StateActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := deriveEpisode(tt.rows, now)
			assert.Equal(t, tt.want, e.state)
		})
	}
}

func TestKeyLock_ReleasesEntries(t *testing.T) {
	l := newKeyLock()
	a := item.Key{Category: item.CategoryCronJob, Identifier: "a"}
	b := item.Key{Category: item.CategoryCronJob, Identifier: "b"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	counter := map[item.Key]int{}
	for i := 0; i < 50; i++ {
		for _, k := range []item.Key{a, b} {
			wg.Add(1)
			go func(k item.Key) {
				defer wg.Done()
				unlock := l.Lock(k)
				defer unlock()
				mu.Lock()
				counter[k]++
				mu.Unlock()
			}(k)
		}
	}
	wg.Wait()

	assert.Equal(t, 50, counter[a])
	assert.Equal(t, 50, counter[b])
	assert.Zero(t, l.len())
}

package testutils

import (
	"context"
	"sync"
	"time"
)

// MockClock advances virtual time on Sleep and records every wait.
type MockClock struct {
	CurrentTime time.Time
	Sleeps      []time.Duration
	Mu          sync.Mutex
}

func NewMockClock() *MockClock {
	return &MockClock{CurrentTime: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)}
}

func (m *MockClock) Now() time.Time {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.CurrentTime
}

func (m *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Sleeps = append(m.Sleeps, d)
	m.CurrentTime = m.CurrentTime.Add(d)
	return nil
}

// SleepsSnapshot returns a copy of the recorded waits.
func (m *MockClock) SleepsSnapshot() []time.Duration {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return append([]time.Duration(nil), m.Sleeps...)
}

package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewManager(t *testing.T) {
	q := NewQueue(offlineClient(), Options{})
	manager := NewManager(q)

	assert.NotNil(t, manager)
	assert.Same(t, q, manager.GetQueue())
	assert.NotNil(t, manager.stopCh)
	assert.Equal(t, time.Second, manager.promoteInterval)
	assert.False(t, manager.IsRunning())
}

func TestManager_IsRunning(t *testing.T) {
	manager := NewManager(NewQueue(offlineClient(), Options{}))

	assert.False(t, manager.IsRunning())

	manager.mu.Lock()
	manager.running = true
	manager.mu.Unlock()
	assert.True(t, manager.IsRunning())

	manager.mu.Lock()
	manager.running = false
	manager.mu.Unlock()
	assert.False(t, manager.IsRunning())
}

func TestManager_StopWithoutStart(t *testing.T) {
	manager := NewManager(NewQueue(offlineClient(), Options{}))

	// Stop without starting should be safe
	manager.Stop()
	assert.False(t, manager.IsRunning())
}

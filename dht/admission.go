package dht

import "github.com/cenkalti/dhtnode/internal/task"

// Call slots of an endpoint that are not used by tasks.
const reservedCalls = 16

// CanStartTask returns true if there is room for t to start.
func (d *DHT) CanStartTask(t task.Task) bool {
	s := d.subsys.Load()
	if s == nil {
		return false
	}
	return d.canStartTask(s, t)
}

// canStartTask limits active tasks by the number of active endpoints and keeps
// some call slots of each endpoint free for replies and pings.
func (d *DHT) canStartTask(s *subsystems, t task.Task) bool {
	endpoints := s.pool.ActiveCount()
	if endpoints < 1 {
		endpoints = 1
	}
	if s.tasks.NumTasks() >= d.config.MaxActiveTasks*endpoints {
		return false
	}
	return t.Endpoint().NumActiveCalls()+reservedCalls < d.config.MaxActiveCalls
}

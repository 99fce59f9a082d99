package kvclient

import "time"

// scheduleTTLRefresh arms the per-key ttl/4 refresh timer of §4.4 step 5. The
// timer closes over ak and looks entry up at fire time rather than capturing
// the persistedEntry pointer, the same cyclic-reference-avoiding convention
// bus.TimerWheel documents: a key removed or replaced before the timer fires
// is simply a harmless no-op.
func (c *Client) scheduleTTLRefresh(ak areaKey, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	interval := ttl / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	c.loop.ScheduleTask(func() error {
		c.refreshTTL(ak)
		return nil
	}, interval)
}

// refreshTTL issues the value-less, incremented-ttlVersion refresh so a
// refresh is advertised roughly twice before expiry, then re-arms itself.
func (c *Client) refreshTTL(ak areaKey) {
	entry, ok := c.entries[ak]
	if !ok {
		return
	}
	entry.ttlVersion++
	if _, already := c.pending[ak]; !already {
		c.pending[ak] = false
	}
	c.scheduleTTLRefresh(ak, entry.ttl)
}

package kvclient

import (
	"context"
	"time"
)

// auditOnce is the optional periodic auditor of §4.4 step 6: re-GET every
// persisted key and re-queue for advertisement anything absent from the
// store.
func (c *Client) auditOnce() error {
	keysByArea := make(map[string][]string)
	for ak := range c.entries {
		keysByArea[ak.area] = append(keysByArea[ak.area], ak.key)
	}
	for area, keys := range keysByArea {
		ctx, cancel := context.WithTimeout(c.loop.Context(), 2*time.Second)
		got, err := c.store.Get(ctx, area, keys)
		cancel()
		if err != nil {
			continue
		}
		present := make(map[string]bool, len(got))
		for _, kv := range got {
			present[kv.Key] = true
		}
		for _, key := range keys {
			if !present[key] {
				c.pending[areaKey{area: area, key: key}] = true
			}
		}
	}
	return nil
}

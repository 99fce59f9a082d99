package kvstore

import "sync/atomic"

// Counters tracks store-wide activity, mirroring the style of spark.Counters.
type Counters struct {
	KeysInstalled     atomic.Int64
	KeysExpired       atomic.Int64
	FloodsSent        atomic.Int64
	FloodsSuppressed  atomic.Int64
	FloodsRateLimited atomic.Int64
	SyncsSent         atomic.Int64
	SyncsReceived     atomic.Int64
	DroppedMalformed  atomic.Int64
	DroppedWrongArea  atomic.Int64
}

type Snapshot struct {
	KeysInstalled, KeysExpired, FloodsSent, FloodsSuppressed, FloodsRateLimited,
	SyncsSent, SyncsReceived, DroppedMalformed, DroppedWrongArea int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		KeysInstalled:     c.KeysInstalled.Load(),
		KeysExpired:       c.KeysExpired.Load(),
		FloodsSent:        c.FloodsSent.Load(),
		FloodsSuppressed:  c.FloodsSuppressed.Load(),
		FloodsRateLimited: c.FloodsRateLimited.Load(),
		SyncsSent:         c.SyncsSent.Load(),
		SyncsReceived:     c.SyncsReceived.Load(),
		DroppedMalformed:  c.DroppedMalformed.Load(),
		DroppedWrongArea:  c.DroppedWrongArea.Load(),
	}
}

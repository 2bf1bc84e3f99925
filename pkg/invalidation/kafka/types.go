package kafka

import "time"

// WireEvent names the cache entries to drop: either Key, or Namespace plus IDs.
// Version 0 means unversioned and is always applied.
type WireEvent struct {
	Namespace string    `json:"namespace,omitempty"`
	IDs       []string  `json:"ids,omitempty"`
	Key       string    `json:"key,omitempty"`
	Version   uint64    `json:"version"`
	TS        time.Time `json:"ts"`
	Op        string    `json:"op,omitempty"`
}

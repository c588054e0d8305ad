package engine

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"fairwatch/internal/model"
)

// DedupeCache answers repeated deliveries of the same event with the
// evaluation the first delivery produced.
type DedupeCache struct {
	lru *expirable.LRU[string, model.Evaluation]
}

// NewDedupeCache returns nil when ttl or size disable deduplication.
func NewDedupeCache(size int, ttl time.Duration) *DedupeCache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &DedupeCache{lru: expirable.NewLRU[string, model.Evaluation](size, nil, ttl)}
}

func (d *DedupeCache) Get(key string) (model.Evaluation, bool) {
	if d == nil || key == "" {
		return model.Evaluation{}, false
	}
	return d.lru.Get(key)
}

func (d *DedupeCache) Add(key string, ev model.Evaluation) {
	if d == nil || key == "" {
		return
	}
	d.lru.Add(key, ev)
}

func (d *DedupeCache) Purge() {
	if d != nil {
		d.lru.Purge()
	}
}

func (d *DedupeCache) Len() int {
	if d == nil {
		return 0
	}
	return d.lru.Len()
}

// eventKey identifies a delivery by the caller's event id. Events without
// one are never deduplicated.
func eventKey(processID string, data model.EventData) string {
	if id := strings.TrimSpace(data.EventID); id != "" {
		return strings.Join([]string{processID, "id", id}, "|")
	}
	return ""
}

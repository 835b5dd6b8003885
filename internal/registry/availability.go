package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// AggregateHandlers folds the live workers' advertisements into a
// handler_id -> worker count map. Workers whose key expired contribute
// nothing; their stale ids in the workers list are skipped.
func AggregateHandlers(ctx context.Context, client *redis.Client) (map[string]int, error) {
	workerIDs, err := client.LRange(ctx, keyWorkers, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	available := make(map[string]int)
	for _, workerID := range workerIDs {
		raw, err := client.Get(ctx, workerID).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read worker %s: %w", workerID, err)
		}
		var handlerIDs []string
		if err := json.Unmarshal([]byte(raw), &handlerIDs); err != nil {
			continue
		}
		for _, id := range handlerIDs {
			available[id]++
		}
	}
	return available, nil
}

// diffHandlers compares the key sets of two availability maps.
// Returned slices are sorted for deterministic migration order.
func diffHandlers(prev, next map[string]int) (added, removed []string) {
	for id := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// memberSet turns a slice into a lookup set.
func memberSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

package alerts

import (
	"slices"
	"sort"
	"strings"
)

// Entry is one guild's claim on a remote subscription.
type Entry struct {
	SubscriptionID string `json:"id"`
	BroadcasterID  string `json:"broadcasterId"`
	// Streamer is the name as the guild entered it.
	Streamer string `json:"streamer"`
}

// Index maps guild id to the remote subscriptions the guild owns. The zero
// value is not usable; use make(Index).
type Index map[string][]Entry

func sameStreamer(a, b string) bool { return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) }

// Find returns the guild's entry for the streamer name.
func (x Index) Find(guild, streamer string) (Entry, bool) {
	for _, e := range x[guild] {
		if sameStreamer(e.Streamer, streamer) {
			return e, true
		}
	}
	return Entry{}, false
}

// FindBroadcaster returns the guild's entry for a broadcaster id.
func (x Index) FindBroadcaster(guild, broadcasterID string) (Entry, bool) {
	for _, e := range x[guild] {
		if e.BroadcasterID == broadcasterID {
			return e, true
		}
	}
	return Entry{}, false
}

// Add appends e to the guild unless the guild already holds that broadcaster.
func (x Index) Add(guild string, e Entry) bool {
	if _, ok := x.FindBroadcaster(guild, e.BroadcasterID); ok {
		return false
	}
	x[guild] = append(x[guild], e)
	return true
}

// Remove drops the guild's entry for broadcasterID.
func (x Index) Remove(guild, broadcasterID string) bool {
	entries := x[guild]
	i := slices.IndexFunc(entries, func(e Entry) bool { return e.BroadcasterID == broadcasterID })
	if i < 0 {
		return false
	}
	entries = slices.Delete(entries, i, i+1)
	if len(entries) == 0 {
		delete(x, guild)
	} else {
		x[guild] = entries
	}
	return true
}

// DropSubscription removes every entry for subscription id and reports how
// many were removed.
func (x Index) DropSubscription(id string) int {
	n := 0
	for guild, entries := range x {
		kept := entries[:0]
		for _, e := range entries {
			if e.SubscriptionID == id {
				n++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(x, guild)
		} else {
			x[guild] = kept
		}
	}
	return n
}

// Rebind points every entry for broadcasterID at subscription id.
func (x Index) Rebind(broadcasterID, id string) int {
	n := 0
	for _, entries := range x {
		for i := range entries {
			if entries[i].BroadcasterID == broadcasterID && entries[i].SubscriptionID != id {
				entries[i].SubscriptionID = id
				n++
			}
		}
	}
	return n
}

// Guilds returns the guilds subscribed to broadcasterID, sorted.
func (x Index) Guilds(broadcasterID string) []string {
	var out []string
	for guild := range x {
		if _, ok := x.FindBroadcaster(guild, broadcasterID); ok {
			out = append(out, guild)
		}
	}
	sort.Strings(out)
	return out
}

// Broadcasters returns one entry per distinct broadcaster id, sorted by id.
func (x Index) Broadcasters() []Entry {
	seen := make(map[string]Entry)
	for _, entries := range x {
		for _, e := range entries {
			if _, ok := seen[e.BroadcasterID]; !ok {
				seen[e.BroadcasterID] = e
			}
		}
	}
	out := make([]Entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BroadcasterID < out[j].BroadcasterID })
	return out
}

// SubscriptionIDs returns the guild's remote ids.
func (x Index) SubscriptionIDs(guild string) []string {
	ids := make([]string, 0, len(x[guild]))
	for _, e := range x[guild] {
		ids = append(ids, e.SubscriptionID)
	}
	return ids
}

func (x Index) clone() Index {
	out := make(Index, len(x))
	for g, entries := range x {
		out[g] = slices.Clone(entries)
	}
	return out
}

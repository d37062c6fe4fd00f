// Package reconcile merges a remote connection snapshot with local state.
// Both steps are deterministic: duplicate records for the same user pair
// collapse to a single winner, and the remote diff never overwrites an
// entity whose local mutation is still queued.
package reconcile

import (
	"sort"
	"time"

	"github.com/kimhsiao/connsync/internal/logging"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/uuid"
)

// Reconciler applies duplicate collapse and remote-diff reconciliation.
type Reconciler struct {
	now func() time.Time
}

// New creates a Reconciler; now stamps duplicate log entries.
func New(now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{now: now}
}

// Collapse is the outcome of duplicate detection over a snapshot.
type Collapse struct {
	// Kept holds exactly one record per unordered user pair, sorted by id.
	Kept []models.Connection
	// Discarded holds the losing records, to be deleted remotely.
	Discarded []models.Connection
	Logs      []models.DuplicateLog
}

// Wins reports whether a should be kept over b: latest UpdatedAt, then the
// lexicographically smallest id.
func Wins(a, b models.Connection) bool {
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt > b.UpdatedAt
	}
	return a.ID < b.ID
}

// CollapseDuplicates groups snapshot records by unordered pair and keeps one
// winner per group.
func (r *Reconciler) CollapseDuplicates(snapshot []models.Connection) Collapse {
	groups := make(map[string][]models.Connection)
	for _, c := range snapshot {
		key := c.PairKey()
		groups[key] = append(groups[key], c)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out Collapse
	detectedAt := r.now().UnixMilli()
	for _, key := range keys {
		group := groups[key]
		sort.Slice(group, func(i, j int) bool { return Wins(group[i], group[j]) })

		winner := group[0]
		out.Kept = append(out.Kept, winner)
		if len(group) == 1 {
			continue
		}

		losers := group[1:]
		discardedIDs := make([]string, 0, len(losers))
		for _, l := range losers {
			// The same id can appear twice in a paginated snapshot; it is
			// not a duplicate of itself.
			if l.ID == winner.ID {
				continue
			}
			out.Discarded = append(out.Discarded, l)
			discardedIDs = append(discardedIDs, l.ID)
		}
		if len(discardedIDs) == 0 {
			continue
		}

		out.Logs = append(out.Logs, models.DuplicateLog{
			ID:           uuid.New(),
			PairKey:      key,
			KeptID:       winner.ID,
			DiscardedIDs: discardedIDs,
			DetectedAt:   detectedAt,
		})
		logging.Info("Duplicate connections collapsed", map[string]interface{}{
			"pair":       key,
			"kept_id":    winner.ID,
			"kept_at":    winner.UpdatedAt,
			"discarded":  discardedIDs,
			"group_size": len(group),
		})
	}

	sort.Slice(out.Kept, func(i, j int) bool { return out.Kept[i].ID < out.Kept[j].ID })
	sort.Slice(out.Discarded, func(i, j int) bool { return out.Discarded[i].ID < out.Discarded[j].ID })
	return out
}

// Input is the state handed to Reconcile.
type Input struct {
	// Local is every connection currently tracked, by id.
	Local map[string]models.Connection
	// Remote is the deduplicated snapshot.
	Remote []models.Connection
	// PendingRejects are ids deleted locally but not yet remotely.
	PendingRejects map[string]time.Time
	// HasActiveOperation reports whether an id still has a queued mutation.
	HasActiveOperation func(id string) bool
}

// Plan lists the local changes reconciliation calls for. Every slice is
// sorted.
type Plan struct {
	Upserts    []models.Connection
	Removals   []string
	Protected  []string
	Suppressed []string
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.Upserts) == 0 && len(p.Removals) == 0
}

// Reconcile diffs the remote snapshot against local state.
//
// Remote records overwrite local ones unless the id has an active operation.
// Local ids missing remotely are removed unless they have an active
// operation. Pending-reject ids are dropped from the snapshot first.
func (r *Reconciler) Reconcile(in Input) Plan {
	active := in.HasActiveOperation
	if active == nil {
		active = func(string) bool { return false }
	}

	var plan Plan
	protected := make(map[string]struct{})
	remoteIDs := make(map[string]struct{}, len(in.Remote))

	for _, c := range in.Remote {
		if _, rejected := in.PendingRejects[c.ID]; rejected {
			plan.Suppressed = append(plan.Suppressed, c.ID)
			continue
		}
		remoteIDs[c.ID] = struct{}{}

		if active(c.ID) {
			protected[c.ID] = struct{}{}
			continue
		}
		if local, ok := in.Local[c.ID]; ok && local == c {
			continue
		}
		plan.Upserts = append(plan.Upserts, c)
	}

	for id := range in.Local {
		if _, ok := remoteIDs[id]; ok {
			continue
		}
		if active(id) {
			protected[id] = struct{}{}
			continue
		}
		plan.Removals = append(plan.Removals, id)
	}

	for id := range protected {
		plan.Protected = append(plan.Protected, id)
	}

	sort.Slice(plan.Upserts, func(i, j int) bool { return plan.Upserts[i].ID < plan.Upserts[j].ID })
	sort.Strings(plan.Removals)
	sort.Strings(plan.Protected)
	sort.Strings(plan.Suppressed)

	logging.Debug("Reconciliation planned", map[string]interface{}{
		"remote":     len(in.Remote),
		"local":      len(in.Local),
		"upserts":    len(plan.Upserts),
		"removals":   len(plan.Removals),
		"protected":  len(plan.Protected),
		"suppressed": len(plan.Suppressed),
	})
	return plan
}

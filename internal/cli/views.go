package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kimhsiao/connsync/internal/connection"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/sync/queue"
)

func table(header string, rows func(w *tabwriter.Writer)) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, header)
	rows(w)
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func millis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

type connectionList struct {
	UserID               string                     `json:"user_id"`
	Connections          []models.ManagedConnection `json:"connections"`
	PendingRequestsCount int                        `json:"pending_requests_count"`
}

func (l connectionList) String() string {
	if len(l.Connections) == 0 {
		return fmt.Sprintf("No connections for %s.", l.UserID)
	}
	out := table("ID\tFROM\tTO\tSTATUS\tSYNC\tUPDATED", func(w *tabwriter.Writer) {
		for _, mc := range l.Connections {
			c := mc.Connection
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.FromUserID, c.ToUserID, c.Status, mc.SyncState, millis(c.UpdatedAt))
		}
	})
	return fmt.Sprintf("%s\n\n%d pending request(s) awaiting %s", out, l.PendingRequestsCount, l.UserID)
}

type connectionView struct {
	Connection models.Connection `json:"connection"`
	SyncState  *models.SyncState `json:"sync_state,omitempty"`
}

func (v connectionView) String() string {
	c := v.Connection
	state := "removed"
	if v.SyncState != nil {
		state = v.SyncState.String()
	}
	return fmt.Sprintf("%s  %s -> %s  %s  [%s]", c.ID, c.FromUserID, c.ToUserID, c.Status, state)
}

// viewOf renders the tracked state of conn, falling back to conn itself once
// it is no longer tracked.
func viewOf(m interface {
	Connection(id string) (models.ManagedConnection, bool)
}, conn models.Connection) func() interface{} {
	return func() interface{} {
		if mc, ok := m.Connection(conn.ID); ok {
			state := mc.SyncState
			return connectionView{Connection: mc.Connection, SyncState: &state}
		}
		return connectionView{Connection: conn}
	}
}

type relationshipView struct {
	WithUserID string `json:"with_user_id"`
	connection.Relationship
}

func (v relationshipView) String() string {
	if v.Connection == nil {
		return fmt.Sprintf("%s: %s", v.WithUserID, v.State)
	}
	return fmt.Sprintf("%s: %s (%s, %s)", v.WithUserID, v.State, v.Connection.ID, v.SyncState)
}

type queueView struct {
	Stats      queue.Stats               `json:"stats"`
	Operations []models.PendingOperation `json:"operations"`
}

func (v queueView) String() string {
	summary := fmt.Sprintf("%d queued (%d pending, %d in progress, %d failed)",
		v.Stats.Total, v.Stats.Pending, v.Stats.InProgress, v.Stats.Failed)
	if len(v.Operations) == 0 {
		return summary
	}
	return table("OP\tENTITY\tTYPE\tSTATUS\tATTEMPTS\tNEXT RETRY\tLAST ERROR", func(w *tabwriter.Writer) {
		for _, op := range v.Operations {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				op.ID, op.EntityID, op.OperationType, op.Status, op.Attempts, millis(op.NextRetryAt), op.LastError)
		}
	}) + "\n\n" + summary
}

type failureList []models.FailedOperation

func (l failureList) String() string {
	if len(l) == 0 {
		return "No failed operations."
	}
	return table("ENTITY\tTYPE\tATTEMPTS\tFAILED AT\tERROR", func(w *tabwriter.Writer) {
		for _, f := range l {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", f.EntityID, f.OperationType, f.Attempts, millis(f.FailedAt), f.Error)
		}
	})
}

type syncView struct {
	*models.SyncResult
}

func (v syncView) String() string {
	return fmt.Sprintf("fetched %d, upserted %d, removed %d, protected %d, duplicates %d in %s",
		v.Fetched, v.Upserted, v.Removed, v.Protected, v.Duplicates, v.Duration)
}

type messageView struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

func (v messageView) String() string {
	return v.Message
}

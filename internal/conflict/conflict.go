// Package conflict classifies write conflicts detected while applying
// remote changes and resolves them according to a policy.
package conflict

import (
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/model"
)

// Type names a conflict by the remote operation and the local state.
type Type int

const (
	RemoteInsertLocalInsert Type = iota + 1
	RemoteUpdateLocalUpdate
	RemoteUpdateLocalNoRow
	RemoteDeleteLocalUpdate
	RemoteDeleteLocalNoRow
)

func (t Type) String() string {
	switch t {
	case RemoteInsertLocalInsert:
		return "RemoteInsert/LocalInsert"
	case RemoteUpdateLocalUpdate:
		return "RemoteUpdate/LocalUpdate"
	case RemoteUpdateLocalNoRow:
		return "RemoteUpdate/LocalNoRow"
	case RemoteDeleteLocalUpdate:
		return "RemoteDelete/LocalUpdate"
	case RemoteDeleteLocalNoRow:
		return "RemoteDelete/LocalNoRow"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Classify returns the conflict type for a remote change in state against
// the local row (nil when the key is tombstoned). guard is the applying
// store's timestamp at its last sync with the remote peer; before the
// first sync every key present on both sides was created independently.
func Classify(state model.RowState, local model.Row, guard *int64) Type {
	if state == model.StateDeleted {
		if local == nil {
			return RemoteDeleteLocalNoRow
		}
		return RemoteDeleteLocalUpdate
	}
	if local == nil {
		return RemoteUpdateLocalNoRow
	}
	if guard == nil {
		return RemoteInsertLocalInsert
	}
	return RemoteUpdateLocalUpdate
}

// Role is the side applying the change.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Policy selects how conflicts are resolved.
type Policy string

const (
	ServerWins Policy = "server-wins"
	ClientWins Policy = "client-wins"
	MergeRow   Policy = "merge"
	Rollback   Policy = "rollback"
	Continue   Policy = "continue"
)

// Policies lists the built-in policies.
var Policies = []Policy{ServerWins, ClientWins, MergeRow, Rollback, Continue}

// ParsePolicy accepts a policy name, case-insensitively. Underscores and
// the CamelCase spellings ("ServerWins") are accepted too.
func ParsePolicy(s string) (Policy, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-"))
	switch norm {
	case "", "server-wins", "serverwins":
		return ServerWins, nil
	case "client-wins", "clientwins":
		return ClientWins, nil
	case "merge", "merge-row", "mergerow":
		return MergeRow, nil
	case "rollback":
		return Rollback, nil
	case "continue":
		return Continue, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Conflict pairs the local and remote versions of one key.
type Conflict struct {
	Table *model.TableSchema
	Type  Type
	Key   model.Row

	// Local is the local row, nil when the key is tombstoned locally.
	Local model.Row

	// Remote is the incoming row, nil for a remote delete.
	Remote model.Row
}

// Action is what the applier does with a resolved conflict.
type Action int

const (
	// ApplyRemote force-writes the remote version (deleting when it is nil).
	ApplyRemote Action = iota + 1

	// KeepLocal leaves the local version in place.
	KeepLocal

	// ApplyMerged force-writes Resolution.Row as a local change.
	ApplyMerged

	// Abort fails the table step.
	Abort

	// Skip leaves the row unapplied and continues.
	Skip
)

func (a Action) String() string {
	switch a {
	case ApplyRemote:
		return "apply-remote"
	case KeepLocal:
		return "keep-local"
	case ApplyMerged:
		return "apply-merged"
	case Abort:
		return "abort"
	case Skip:
		return "skip"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Resolution is the outcome of resolving a conflict. Row is the final row
// for ApplyRemote and ApplyMerged; nil means the key ends up deleted.
type Resolution struct {
	Action Action
	Row    model.Row
}

// MergeFunc synthesizes the final row of a conflict. Returning a nil row
// deletes the key.
type MergeFunc func(c *Conflict) (model.Row, error)

// Resolver applies a Policy.
type Resolver struct {
	Policy Policy
	Merge  MergeFunc
}

// Resolve decides c for the side playing role. The result depends only on
// the policy, the role and the two rows (and the merge function).
func (r Resolver) Resolve(c *Conflict, role Role) (Resolution, error) {
	switch r.Policy {
	case ServerWins, "":
		if role == RoleServer {
			return Resolution{Action: KeepLocal}, nil
		}
		return Resolution{Action: ApplyRemote, Row: c.Remote}, nil
	case ClientWins:
		if role == RoleClient {
			return Resolution{Action: KeepLocal}, nil
		}
		return Resolution{Action: ApplyRemote, Row: c.Remote}, nil
	case MergeRow:
		if r.Merge == nil {
			return Resolution{}, fmt.Errorf("merge policy requires a merge function")
		}
		row, err := r.Merge(c)
		if err != nil {
			return Resolution{}, fmt.Errorf("merge %s %v: %w", c.Table.Name, c.Key, err)
		}
		return Resolution{Action: ApplyMerged, Row: row}, nil
	case Rollback:
		return Resolution{Action: Abort}, nil
	case Continue:
		return Resolution{Action: Skip}, nil
	}
	return Resolution{}, fmt.Errorf("unknown conflict policy %q", r.Policy)
}

package syncagent

import "github.com/prudhvinik1/fieldsync/internal/models"

// Resolution is a conflict policy's verdict.
type Resolution string

const (
	// KeepLocal retries the local edit against the server's current version.
	KeepLocal Resolution = "keep_local"
	// KeepServer drops the local edit and adopts the server record.
	KeepServer Resolution = "keep_server"
	// Merge keeps the local geometry and the server's properties, then retries.
	Merge Resolution = "merge"
)

// Conflict describes a rejected operation. Local is the mirror's view of the
// record with every pending edit applied; it is nil when the record was
// deleted locally.
type Conflict struct {
	Operation PendingOperation
	Local     *models.Overlay
	Server    *models.Overlay
}

type ConflictPolicy interface {
	Resolve(c Conflict) Resolution
}

// PolicyFunc adapts a function to ConflictPolicy.
type PolicyFunc func(c Conflict) Resolution

func (f PolicyFunc) Resolve(c Conflict) Resolution { return f(c) }

var (
	// ServerWins is the agent's default policy.
	ServerWins ConflictPolicy = PolicyFunc(func(Conflict) Resolution { return KeepServer })
	ClientWins ConflictPolicy = PolicyFunc(func(Conflict) Resolution { return KeepLocal })
	// MergeGeometry keeps local geometry on top of the server's properties.
	MergeGeometry ConflictPolicy = PolicyFunc(func(Conflict) Resolution { return Merge })
)

// mergePatch rewrites an update so it carries the local geometry and leaves
// properties to the server. Name and code edits survive.
func mergePatch(patch models.OverlayPatch, local *models.Overlay) models.OverlayPatch {
	merged := models.OverlayPatch{
		Code:          patch.Code,
		Name:          patch.Name,
		Geometry:      patch.Geometry,
		RevertToDraft: patch.RevertToDraft,
	}
	if local != nil && local.Geometry != nil {
		merged.Geometry = local.Geometry
	}
	return merged
}

// ConflictRecord is one entry of the agent's conflict log.
type ConflictRecord struct {
	OperationID   string
	TargetID      string
	Kind          OperationKind
	LocalVersion  int64
	ServerVersion int64
	Resolution    Resolution
}

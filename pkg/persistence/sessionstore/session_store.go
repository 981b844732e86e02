package sessionstore

import "context"

// NoMessage is the sentinel for an absent message id (no reply target, no parent).
const NoMessage int64 = 0

// TurnRecord describes one player action and the outbound messages that answered it.
// Every id in MessageIDs becomes its own turn row referencing the same snapshot.
type TurnRecord struct {
	MessageIDs   []int64
	InReplyToID  int64
	ContinuesID  int64
	SessionID    string
	ActorHandle  string
	CommandText  string
	ResponseText string
	SnapshotID   int64
	CreatedAtMs  int64
}

// Turn is a single stored turn row.
type Turn struct {
	MessageID    int64  `json:"message_id"`
	InReplyToID  int64  `json:"in_reply_to_id"`
	ContinuesID  int64  `json:"continues_message_id"`
	SessionID    string `json:"session_id"`
	ActorHandle  string `json:"actor_handle"`
	CommandText  string `json:"command_text"`
	ResponseText string `json:"response_text"`
	SnapshotID   int64  `json:"snapshot_id"`
	SegmentIndex int    `json:"segment_index"`
	CreatedAtMs  int64  `json:"created_at_ms"`
}

// Resolved is the session head found for a message id.
type Resolved struct {
	MessageID  int64
	SnapshotID int64
	SessionID  string
	State      []byte
}

// TurnQuery filters ListTurns.
type TurnQuery struct {
	SessionID   string
	ActorHandle string
	Limit       int
}

// Stats summarizes the store contents.
type Stats struct {
	Snapshots int64 `json:"snapshots"`
	Turns     int64 `json:"turns"`
	Sessions  int64 `json:"sessions"`
	Actors    int64 `json:"actors"`
}

// Store persists game snapshots and the turns that link message ids to them.
// Snapshots and turns are append-only.
type Store interface {
	CreateSnapshot(ctx context.Context, state []byte) (int64, error)
	RecordTurn(ctx context.Context, rec TurnRecord) error
	// SaveTurn writes a new snapshot and all turn rows of rec in one transaction.
	SaveTurn(ctx context.Context, state []byte, rec TurnRecord) (int64, error)
	ResolveSession(ctx context.Context, messageID int64) (Resolved, bool, error)
	HasBeenRepliedTo(ctx context.Context, messageID int64) (bool, error)

	ListTurns(ctx context.Context, q TurnQuery) ([]Turn, error)
	Lineage(ctx context.Context, messageID int64, limit int) ([]Turn, error)
	Stats(ctx context.Context) (Stats, error)

	LoadWatermark(ctx context.Context, field string) (int64, bool, error)
	SaveWatermark(ctx context.Context, field string, value int64) error

	Close() error
}

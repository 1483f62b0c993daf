package models

import "time"

// ConflictLog records how a conflict was settled, with both timestamps, so
// the agent can later see why a local edit did or did not reach the server.
type ConflictLog struct {
	ID              string `db:"id" json:"id"`
	LocalID         string `db:"local_id" json:"localId"`
	ServerID        string `db:"server_id" json:"serverId,omitempty"`
	Kind            string `db:"kind" json:"kind"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"localTimestamp"`   // unix millis, submission createdAt
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remoteTimestamp"` // unix millis, server lastModified
	Reason          string `db:"reason" json:"reason"`
	Resolution      string `db:"resolution" json:"resolution"` // keepLocal, keepServer, merge
	Auto            bool   `db:"auto" json:"auto"`
	ResolvedAt      int64  `db:"resolved_at" json:"resolvedAt"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// ResolvedAtTime returns ResolvedAt as time.Time.
func (c *ConflictLog) ResolvedAtTime() time.Time {
	return time.UnixMilli(c.ResolvedAt)
}

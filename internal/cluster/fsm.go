package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/raft"

	"github.com/keydex/keydex/internal/index"
	"github.com/keydex/keydex/internal/metrics"
)

// FSM implements raft.FSM over the node's local index copy.
type FSM struct {
	ix *index.Index
	mx *metrics.Metrics
}

func NewFSM(ix *index.Index, mx *metrics.Metrics) *FSM {
	return &FSM{ix: ix, mx: mx}
}

// Apply is called by Raft when a log entry is committed. The response is
// either the slice of events the mutation produced or an error.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		slog.Error("fsm: failed to unmarshal command", "error", err)
		return fmt.Errorf("unmarshal command: %w", err)
	}
	f.mx.RecordApply()
	return f.applyCommand(cmd)
}

// Snapshot returns a snapshot of the current state for Raft snapshotting.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{ix: f.ix}, nil
}

// Restore replaces the index state from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	return f.ix.RestoreSnapshot(rc)
}

func (f *FSM) applyCommand(cmd Command) interface{} {
	switch cmd.Type {

	case CmdObjectInserted:
		var p struct {
			Object index.Object
			At     int64
		}
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return response(f.ix.ApplyObjectInserted(p.Object, p.At))

	case CmdObjectsDeleted:
		var p struct {
			Bucket string
			Keys   []string
			At     int64
		}
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return response(f.ix.ApplyObjectsDeleted(p.Bucket, p.Keys, p.At))

	case CmdObjectsRenamed:
		var p struct {
			Moves []index.Move
			At    int64
		}
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return response(f.ix.ApplyObjectsRenamed(p.Moves, p.At))

	case CmdUploadCreated:
		var p index.Upload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return response(f.ix.ApplyUploadCreated(p))

	case CmdPartAdded:
		var p index.Part
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return response(f.ix.ApplyPartAdded(p))

	case CmdUploadCompleted:
		var p struct {
			UploadID string
			ETag     string
			Size     int64
			At       int64
		}
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return response(f.ix.ApplyUploadCompleted(p.UploadID, p.ETag, p.Size, p.At))

	case CmdUploadAborted:
		var p struct {
			UploadID string
			At       int64
		}
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return response(f.ix.ApplyUploadAborted(p.UploadID, p.At))

	default:
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// response collapses an (events, error) pair into the single FSM return value.
func response(events []index.Event, err error) interface{} {
	if err != nil {
		return err
	}
	return events
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	ix *index.Index
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.ix.WriteSnapshot(sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

package cluster

import "encoding/json"

// CommandType identifies the index mutation to apply. Values are part of
// the persisted log format and must stay stable across releases.
type CommandType uint16

const (
	// Object operations
	CmdObjectInserted CommandType = iota + 1
	CmdObjectsDeleted
	CmdObjectsRenamed

	// Multipart upload operations
	CmdUploadCreated
	CmdPartAdded
	CmdUploadCompleted
	CmdUploadAborted
)

// Command is the serialized Raft log entry.
type Command struct {
	Type CommandType     `json:"t"`
	Data json.RawMessage `json:"d"`
}

func marshalCommand(cmdType CommandType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Type: cmdType, Data: data})
}

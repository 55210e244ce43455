package journal

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/sequencer/internal/command"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is the journal record of one finished command.
type Entry struct {
	CommandID  string
	SessionID  string
	Name       string
	Failed     bool
	Context    command.Context
	Value      []byte // JSON, nil for failures
	Errors     []byte // JSON array of messages, nil for successes
	Elapsed    time.Duration
	FinishedAt time.Time
}

// NewEntry captures cmd's response. cmd must have finished.
func NewEntry(sessionID string, cmd *command.Command, elapsed time.Duration, now time.Time) Entry {
	e := Entry{
		CommandID:  cmd.ID(),
		SessionID:  sessionID,
		Name:       string(cmd.Name()),
		Elapsed:    elapsed,
		FinishedAt: now,
	}
	resp := cmd.Response()
	if resp == nil {
		return e
	}
	e.Context = resp.Context
	e.Failed = resp.Failure
	if resp.Failure {
		e.Errors = encode(resp.ErrorStrings())
	} else {
		e.Value = encode(resp.Value)
	}
	return e
}

// ErrorMessages decodes Errors.
func (e Entry) ErrorMessages() ([]string, error) {
	if len(e.Errors) == 0 {
		return nil, nil
	}
	var msgs []string
	if err := json.Unmarshal(e.Errors, &msgs); err != nil {
		return nil, fmt.Errorf("decoding errors of %s: %w", e.CommandID, err)
	}
	return msgs, nil
}

// encode marshals v, falling back to a description of its type for values
// JSON cannot hold, such as functions.
func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"unencodable": fmt.Sprintf("%T", v)})
	}
	return b
}

func msToDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

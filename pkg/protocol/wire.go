package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// TimeLayout is the on-disk timestamp form: UTC, millisecond precision,
// the same shape JavaScript's Date.toISOString produces.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// isoTime marshals a time.Time in TimeLayout and accepts any RFC 3339 input.
type isoTime time.Time

func (t isoTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(TimeLayout) + `"`), nil
}

func (t *isoTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	*t = isoTime(parsed)
	return nil
}

func toISO(t time.Time) *isoTime {
	if t.IsZero() {
		return nil
	}
	v := isoTime(t)
	return &v
}

func toISOPtr(t *time.Time) *isoTime {
	if t == nil {
		return nil
	}
	return toISO(*t)
}

func fromISO(t *isoTime) time.Time {
	if t == nil {
		return time.Time{}
	}
	return time.Time(*t)
}

func fromISOPtr(t *isoTime) *time.Time {
	if t == nil {
		return nil
	}
	v := time.Time(*t)
	return &v
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// errNullObject rejects a JSON null where a document, task or agent entry
// is required.
var errNullObject = errors.New("expected a JSON object, got null")

// decodeWithExtra unmarshals data into wire and returns every top-level
// key not listed in known.
func decodeWithExtra(data []byte, wire any, known ...string) (map[string]json.RawMessage, error) {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, errNullObject
	}
	if err := json.Unmarshal(data, wire); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// encodeWithExtra marshals wire and appends extra keys in sorted order
// after the known ones, so output is deterministic.
func encodeWithExtra(wire any, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(wire)
	if err != nil || len(extra) == 0 {
		return b, err
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var buf bytes.Buffer
	buf.Write(b[:len(b)-1])
	for _, k := range keys {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// --- AgentState ---

type agentWire struct {
	Status      AgentStatus `json:"status"`
	CurrentTask *string     `json:"currentTask"`
	LastSeen    *isoTime    `json:"lastSeen"`
}

var agentKeys = []string{"status", "currentTask", "lastSeen"}

// MarshalJSON implements json.Marshaler.
func (a AgentState) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(agentWire{
		Status:      a.Status,
		CurrentTask: optString(a.CurrentTask),
		LastSeen:    toISO(a.LastSeen),
	}, a.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *AgentState) UnmarshalJSON(data []byte) error {
	var w agentWire
	extra, err := decodeWithExtra(data, &w, agentKeys...)
	if err != nil {
		return err
	}
	*a = AgentState{
		Status:      w.Status,
		CurrentTask: derefString(w.CurrentTask),
		LastSeen:    fromISO(w.LastSeen),
		Extra:       extra,
	}
	return nil
}

// --- Task ---

type taskWire struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Status      TaskStatus      `json:"status"`
	AssignedTo  *string         `json:"assignedTo"`
	CreatedAt   *isoTime        `json:"createdAt"`
	StartedAt   *isoTime        `json:"startedAt,omitempty"`
	CompletedAt *isoTime        `json:"completedAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

var taskKeys = []string{
	"id", "description", "status", "assignedTo",
	"createdAt", "startedAt", "completedAt", "result", "metadata",
}

// MarshalJSON implements json.Marshaler.
func (t Task) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(taskWire{
		ID:          t.ID,
		Description: t.Description,
		Status:      t.Status,
		AssignedTo:  optString(t.AssignedTo),
		CreatedAt:   toISO(t.CreatedAt),
		StartedAt:   toISOPtr(t.StartedAt),
		CompletedAt: toISOPtr(t.CompletedAt),
		Result:      t.Result,
		Metadata:    t.Metadata,
	}, t.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Task) UnmarshalJSON(data []byte) error {
	var w taskWire
	extra, err := decodeWithExtra(data, &w, taskKeys...)
	if err != nil {
		return err
	}
	*t = Task{
		ID:          w.ID,
		Description: w.Description,
		Status:      w.Status,
		AssignedTo:  derefString(w.AssignedTo),
		CreatedAt:   fromISO(w.CreatedAt),
		StartedAt:   fromISOPtr(w.StartedAt),
		CompletedAt: fromISOPtr(w.CompletedAt),
		Result:      w.Result,
		Metadata:    w.Metadata,
		Extra:       extra,
	}
	return nil
}

// --- Document ---

type documentWire struct {
	Agents  map[string]AgentState `json:"agents"`
	Tasks   []Task                `json:"tasks"`
	Version int                   `json:"version"`
}

var documentKeys = []string{"agents", "tasks", "version"}

// MarshalJSON implements json.Marshaler.
func (d Document) MarshalJSON() ([]byte, error) {
	w := documentWire{Agents: d.Agents, Tasks: d.Tasks, Version: d.Version}
	if w.Agents == nil {
		w.Agents = map[string]AgentState{}
	}
	if w.Tasks == nil {
		w.Tasks = []Task{}
	}
	return encodeWithExtra(w, d.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Document) UnmarshalJSON(data []byte) error {
	var w documentWire
	extra, err := decodeWithExtra(data, &w, documentKeys...)
	if err != nil {
		return err
	}
	if w.Agents == nil {
		w.Agents = map[string]AgentState{}
	}
	*d = Document{Agents: w.Agents, Tasks: w.Tasks, Version: w.Version, Extra: extra}
	return nil
}

// --- Lock ---

type lockWire struct {
	AgentID    string   `json:"agentId"`
	File       string   `json:"file"`
	AcquiredAt *isoTime `json:"acquiredAt"`
}

// MarshalJSON implements json.Marshaler.
func (l Lock) MarshalJSON() ([]byte, error) {
	return json.Marshal(lockWire{AgentID: l.AgentID, File: l.File, AcquiredAt: toISO(l.AcquiredAt)})
}

// UnmarshalJSON implements json.Unmarshaler. A lock without an owner is
// rejected so callers treat it as corrupt.
func (l *Lock) UnmarshalJSON(data []byte) error {
	var w lockWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.AgentID == "" {
		return fmt.Errorf("lock artifact has no agentId")
	}
	*l = Lock{AgentID: w.AgentID, File: w.File, AcquiredAt: fromISO(w.AcquiredAt)}
	return nil
}

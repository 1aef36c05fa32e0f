package paper

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"candlewatch-go/internal/execution"
	"candlewatch-go/internal/market"
)

// Entry is one JSONL line: either a fill or a closed trade.
type Entry struct {
	Type  string              `json:"type"`
	Fill  *execution.Fill     `json:"fill,omitempty"`
	Trade *market.ClosedTrade `json:"trade,omitempty"`
}

// JSONLRecorder appends fills and closed trades as JSON lines for later analysis.
type JSONLRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLRecorder creates/opens the target file and returns a recorder.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLRecorder{
		file: file,
		enc:  json.NewEncoder(file),
	}, nil
}

// Record writes a single fill.
func (r *JSONLRecorder) Record(fill execution.Fill) {
	r.write(Entry{Type: "fill", Fill: &fill})
}

// RecordTrade writes a closed trade.
func (r *JSONLRecorder) RecordTrade(trade market.ClosedTrade) {
	r.write(Entry{Type: "trade", Trade: &trade})
}

func (r *JSONLRecorder) write(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	_ = r.enc.Encode(e)
}

// Close flushes and closes the file handle.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

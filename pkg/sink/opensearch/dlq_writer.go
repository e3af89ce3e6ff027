package opensearch

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// dlqLine is one newline-delimited JSON entry of the dead-letter file.
type dlqLine struct {
	Document     json.RawMessage `json:"document"`
	Failure      string          `json:"failure"`
	Attempt      int             `json:"attempt"`
	PluginID     string          `json:"pluginId"`
	PipelineName string          `json:"pipelineName"`
	Timestamp    string          `json:"timestamp"`
}

// DLQWriter appends operations the sink could not deliver to a per-sink
// dead-letter file.
type DLQWriter struct {
	mu           sync.Mutex
	file         *os.File
	pluginID     string
	pipelineName string
	logger       *zap.Logger
}

func NewDLQWriter(path string, pipelineName string, pluginID string, logger *zap.Logger) (*DLQWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dlq file %s: %w", path, err)
	}
	return &DLQWriter{
		file:         file,
		pluginID:     pluginID,
		pipelineName: pipelineName,
		logger:       logger,
	}, nil
}

// Write appends one failed operation as a JSON line.
func (w *DLQWriter) Write(op BulkOperation, failure string, attempt int) {
	line, err := json.Marshal(dlqLine{
		Document:     op.Document,
		Failure:      failure,
		Attempt:      attempt,
		PluginID:     w.pluginID,
		PipelineName: w.pipelineName,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		w.logger.Error("Failed to marshal dlq entry", zap.Error(err))
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		w.logger.Error("Failed to append dlq entry",
			zap.String("document", string(op.Document)),
			zap.Error(err),
		)
	}
}

func (w *DLQWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close dlq file: %w", err)
	}
	return nil
}

package opensearch

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BulkAction is the per-operation action verb.
type BulkAction string

const (
	ActionIndex  BulkAction = "index"
	ActionCreate BulkAction = "create"
)

// BulkOperation is one line pair of a bulk request: action metadata plus the
// serialized document.
type BulkOperation struct {
	Action     BulkAction
	Index      string
	DocumentID string
	Document   []byte
}

// actionMetadata serializes the `{action: {_index, _id}}` line.
func (op BulkOperation) actionMetadata() ([]byte, error) {
	meta := map[string]interface{}{"_index": op.Index}
	if op.DocumentID != "" {
		meta["_id"] = op.DocumentID
	}
	metaJSON, err := json.Marshal(map[string]interface{}{string(op.Action): meta})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bulk action metadata: %w", err)
	}
	return metaJSON, nil
}

// estimatedSizeBytes is the wire footprint of the operation: the metadata
// line, the document line, and the two newlines framing them.
func (op BulkOperation) estimatedSizeBytes() (int64, error) {
	metaJSON, err := op.actionMetadata()
	if err != nil {
		return 0, err
	}
	return int64(len(metaJSON)) + 1 + int64(len(op.Document)) + 1, nil
}

// AccumulatingBulkRequest collects bulk operations while tracking what the
// newline-delimited wire payload would weigh. The estimate is exact: it
// equals the byte length of Payload().
type AccumulatingBulkRequest struct {
	operations         []BulkOperation
	estimatedSizeBytes int64
}

func NewAccumulatingBulkRequest() *AccumulatingBulkRequest {
	return &AccumulatingBulkRequest{}
}

// EstimatedSizeWithOperation returns what the request would weigh after
// adding the operation.
func (r *AccumulatingBulkRequest) EstimatedSizeWithOperation(op BulkOperation) (int64, error) {
	opSize, err := op.estimatedSizeBytes()
	if err != nil {
		return 0, err
	}
	return r.estimatedSizeBytes + opSize, nil
}

func (r *AccumulatingBulkRequest) Add(op BulkOperation) error {
	opSize, err := op.estimatedSizeBytes()
	if err != nil {
		return err
	}
	r.operations = append(r.operations, op)
	r.estimatedSizeBytes += opSize
	return nil
}

func (r *AccumulatingBulkRequest) OperationCount() int {
	return len(r.operations)
}

func (r *AccumulatingBulkRequest) EstimatedSizeBytes() int64 {
	return r.estimatedSizeBytes
}

func (r *AccumulatingBulkRequest) Operations() []BulkOperation {
	return r.operations
}

// Payload renders the `{action-metadata}\n{document}\n` pairs.
func (r *AccumulatingBulkRequest) Payload() ([]byte, error) {
	var buf bytes.Buffer
	for _, op := range r.operations {
		metaJSON, err := op.actionMetadata()
		if err != nil {
			return nil, err
		}
		buf.Write(metaJSON)
		buf.WriteByte('\n')
		buf.Write(op.Document)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

package opensearch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorKind classifies one per-operation bulk response.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorDocumentLevel
	ErrorVersionConflict
	ErrorTooManyRequests
	ErrorRejected
	ErrorServer
	ErrorNetwork
	ErrorUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorDocumentLevel:
		return "document_level"
	case ErrorVersionConflict:
		return "version_conflict"
	case ErrorTooManyRequests:
		return "too_many_requests"
	case ErrorRejected:
		return "rejected"
	case ErrorServer:
		return "server_error"
	case ErrorNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation with this error kind should be
// re-sent. Network errors are handled at whole-request scope by the retry
// strategy.
func (k ErrorKind) Retryable() bool {
	return k == ErrorTooManyRequests || k == ErrorRejected || k == ErrorServer
}

// BulkResponseEntry is the classified outcome of one bulk operation.
type BulkResponseEntry struct {
	OperationIndex int
	StatusCode     int
	ErrorKind      ErrorKind
	ErrorReason    string
}

type bulkResponseBody struct {
	Errors bool                                `json:"errors"`
	Items  []map[string]bulkResponseItemDetail `json:"items"`
}

type bulkResponseItemDetail struct {
	Status int                    `json:"status"`
	Error  *bulkResponseItemError `json:"error"`
}

type bulkResponseItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// classifyStatus maps an item status and error type to an ErrorKind.
func classifyStatus(status int, errorType string) ErrorKind {
	switch {
	case status >= 200 && status < 300:
		return ErrorNone
	case status == 409 || strings.Contains(errorType, "version_conflict_engine_exception"):
		return ErrorVersionConflict
	case status == 429 || strings.Contains(errorType, "circuit_breaking_exception"):
		return ErrorTooManyRequests
	case strings.Contains(errorType, "rejected_execution_exception"):
		return ErrorRejected
	case status >= 500:
		return ErrorServer
	case status >= 400 && status < 500:
		// Mapping errors, parse errors, ids too long: the document itself
		// is at fault and will never succeed.
		return ErrorDocumentLevel
	default:
		return ErrorUnknown
	}
}

// ParseBulkResponse classifies every item of a bulk response body.
func ParseBulkResponse(body []byte) ([]BulkResponseEntry, error) {
	var parsed bulkResponseBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse bulk response: %w", err)
	}
	entries := make([]BulkResponseEntry, 0, len(parsed.Items))
	for i, item := range parsed.Items {
		// Each item is keyed by its action verb ("index" or "create").
		var detail bulkResponseItemDetail
		for _, d := range item {
			detail = d
		}
		entry := BulkResponseEntry{
			OperationIndex: i,
			StatusCode:     detail.Status,
		}
		if detail.Error != nil {
			entry.ErrorKind = classifyStatus(detail.Status, detail.Error.Type)
			entry.ErrorReason = detail.Error.Reason
		} else {
			entry.ErrorKind = classifyStatus(detail.Status, "")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

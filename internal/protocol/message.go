package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeBatchUpdate      = "batch.update"
	TypeBatchValidation  = "batch.validation"
	TypeBatchProgress    = "batch.progress"
	TypeBatchLog         = "batch.log"
	TypeBatchDone        = "batch.done"
	TypeDimensionsLog    = "dimensions.log"
	TypeDimensionsResult = "dimensions.result"
	TypeError            = "error"
)

// Client → Server message types.
const (
	TypeBatchSubmit       = "batch.submit"
	TypeBatchSubscribe    = "batch.subscribe"
	TypeDimensionsExtract = "dimensions.extract"
)

// Error codes.
const (
	ErrInvalidMessage   = "INVALID_MESSAGE"
	ErrInvalidBatch     = "INVALID_BATCH"
	ErrBatchRunning     = "BATCH_RUNNING"
	ErrBatchNotFound    = "BATCH_NOT_FOUND"
	ErrExtractionFailed = "EXTRACTION_FAILED"
)

// Server → Client payloads.

type BatchUpdatePayload struct {
	BatchID        string `json:"batchId"`
	State          string `json:"state"`
	Part           string `json:"part"`
	Format         string `json:"format"`
	Configurations int    `json:"configurations"`
	Running        bool   `json:"running"`
	HistoryDropped int    `json:"historyDropped,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

type RejectedRow struct {
	Row     int    `json:"row"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type BatchValidationPayload struct {
	BatchID  string         `json:"batchId,omitempty"`
	Rejected []RejectedRow  `json:"rejected"`
	Renamed  map[int]string `json:"renamed,omitempty"`
}

type BatchProgressPayload struct {
	BatchID string `json:"batchId"`
	Row     int    `json:"row"` // -1 for the whole batch
	Status  string `json:"status"`
}

type BatchLogPayload struct {
	BatchID string `json:"batchId"`
	Line    string `json:"line"`
}

type BatchDonePayload struct {
	BatchID  string `json:"batchId"`
	State    string `json:"state"`
	Exported int    `json:"exported"`
	Failed   []int  `json:"failed,omitempty"`
	Crashed  bool   `json:"crashed,omitempty"`
}

type DimensionsLogPayload struct {
	Part string `json:"part"`
	Line string `json:"line"`
}

type DimensionsResultPayload struct {
	Part       string   `json:"part"`
	Dimensions []string `json:"dimensions"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

// BatchSubmitPayload carries a batch in the JSON batch file shape.
// Configurations are decoded by the batchfile package.
type BatchSubmitPayload struct {
	Part           string            `json:"part"`
	Output         string            `json:"output"`
	Format         string            `json:"format"`
	Collisions     string            `json:"collisions,omitempty"`
	Configurations []json.RawMessage `json:"configurations"`
}

type BatchIDPayload struct {
	BatchID string `json:"batchId"`
}

type DimensionsExtractPayload struct {
	Part string `json:"part"`
}

package client

// Health is the body of GET /.
type Health struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Timestamp   string `json:"timestamp"`
	StorageType string `json:"storage_type"`
}

// OperationStats summarizes one storage operation on the server.
type OperationStats struct {
	Count       int64   `json:"count"`
	Errors      int64   `json:"errors"`
	SuccessRate float64 `json:"success_rate"`
	P50Ms       float64 `json:"p50_ms"`
	P99Ms       float64 `json:"p99_ms"`
}

// Metrics is the body of GET /metrics.
type Metrics struct {
	Status        string                    `json:"status"`
	StorageType   string                    `json:"storage_type"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Uploads       int64                     `json:"uploads"`
	Downloads     int64                     `json:"downloads"`
	BytesIn       int64                     `json:"bytes_in"`
	BytesOut      int64                     `json:"bytes_out"`
	Timestamp     string                    `json:"timestamp"`
	Operations    map[string]OperationStats `json:"operations,omitempty"`
}

// UploadResult is the body of a successful PUT.
type UploadResult struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	SizeBytes int64  `json:"size_bytes"`
	Timestamp string `json:"timestamp"`
}

type errorEnvelope struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
	Timestamp string `json:"timestamp"`
}

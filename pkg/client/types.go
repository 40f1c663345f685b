package client

// Function is a deployed function as reported by the control API.
type Function struct {
	Name string  `json:"name"`
	Path string  `json:"path"`
	Type string  `json:"type"`
	URL  *string `json:"url"`
}

// Functions maps function names to their records.
type Functions map[string]Function

// EnvInfo holds the settings a running emulator was started with.
type EnvInfo struct {
	ProjectID string `json:"project_id"`
	Debug     bool   `json:"debug"`
}

// CallResult is the raw outcome of invoking a function.
type CallResult struct {
	StatusCode   int
	Body         []byte
	ContentType  string
	ResponseTime string
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

package server

// NoMatchMessage is returned when a query resolves to no tool.
const NoMatchMessage = "No matching tool found."

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	ToolName string         `json:"tool_name"`
	Params   map[string]any `json:"params"`
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	UserQuery string `json:"user_query"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

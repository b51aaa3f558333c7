package mcp

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pierviz/pierviz/internal/errors"
)

// decode maps a tool call's arguments onto T. Arguments that do not fit
// T's fields come back as INVALID_REQUEST naming the tool.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var result T
	b, err := json.Marshal(req.GetArguments())
	if err != nil {
		return result, errors.NewInvalidRequest(req.Params.Name + ": arguments are not JSON-encodable")
	}
	if err := json.Unmarshal(b, &result); err != nil {
		return result, errors.NewInvalidRequest(req.Params.Name + ": bad arguments: " + err.Error())
	}
	return result, nil
}

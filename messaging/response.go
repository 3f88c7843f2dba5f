package messaging

import (
	"encoding/json"
	"time"

	"tokenforge/wireerr"
)

func successResponse(req *Request, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req, wireerr.New(wireerr.Internal, "marshal result: "+err.Error()))
	}
	return &Response{ID: req.ID, Result: raw, Timestamp: time.Now().Unix(), Ver: req.Ver}
}

func errorResponse(req *Request, err *wireerr.Error) *Response {
	return &Response{ID: req.ID, Error: err, Timestamp: time.Now().Unix(), Ver: req.Ver}
}

package core

// Message is the signaling envelope shared by requests, responses and events.
type Message struct {
	Type  string     `json:"type"`
	ID    uint64     `json:"id,omitempty"`
	OK    *bool      `json:"ok,omitempty"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const TypeResponse = "response"

func Response(id uint64, data any) Message {
	ok := true
	return Message{Type: TypeResponse, ID: id, OK: &ok, Data: data}
}

func Failure(id uint64, err error) Message {
	ok := false
	return Message{
		Type:  TypeResponse,
		ID:    id,
		OK:    &ok,
		Error: &ErrorBody{Code: Code(err), Message: err.Error()},
	}
}

package http_request

import "github.com/caldera-ci/caldera/pkg/protocol"

func NewHTTPRequestActionFactory() *HTTPRequestActionFactory {
	return &HTTPRequestActionFactory{}
}

type HTTPRequestActionFactory struct{}

func (h *HTTPRequestActionFactory) Create(config map[string]any) (protocol.Action, error) {
	return NewHTTPRequestAction(config)
}

func (h *HTTPRequestActionFactory) ID() string {
	return "http_request"
}

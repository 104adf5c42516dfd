package sandbox

import (
	"fmt"
	"log/slog"
)

// Denial kinds reported to a DenialHandler.
const (
	DenialModule  = "module"
	DenialBuiltin = "builtin"
)

// DenialHandler is notified whenever executed code asks for a capability
// the policy does not grant. Implementations must be safe for concurrent
// use and must not block.
type DenialHandler interface {
	OnDenial(kind string, request interface{}, reason string)
}

var (
	_ DenialHandler = (*LogDenialHandler)(nil)
	_ DenialHandler = (*NopDenialHandler)(nil)
	_ DenialHandler = MultiDenialHandler(nil)
)

// LogDenialHandler logs denials at warn level.
type LogDenialHandler struct {
	Logger *slog.Logger
}

func (h *LogDenialHandler) OnDenial(kind string, request interface{}, reason string) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("sandbox capability denied",
		slog.String("kind", kind),
		slog.String("request", fmt.Sprint(request)),
		slog.String("reason", reason),
	)
}

// NopDenialHandler does nothing.
type NopDenialHandler struct{}

func (h *NopDenialHandler) OnDenial(kind string, request interface{}, reason string) {}

// MultiDenialHandler fans a denial out to every handler in order.
type MultiDenialHandler []DenialHandler

func (m MultiDenialHandler) OnDenial(kind string, request interface{}, reason string) {
	for _, h := range m {
		if h != nil {
			h.OnDenial(kind, request, reason)
		}
	}
}

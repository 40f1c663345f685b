package function

import (
	"errors"
	"fmt"
	"strings"
)

// TriggerType selects the calling contract of a deployed function.
type TriggerType string

const (
	// TriggerHTTP functions receive the raw request and write the response.
	TriggerHTTP TriggerType = "HTTP"
	// TriggerBackground functions receive a JSON payload and signal completion.
	TriggerBackground TriggerType = "BACKGROUND"
)

var ErrInvalidTrigger = errors.New("invalid trigger type")

// ParseTrigger accepts the short control-API codes (H, B) as well as the
// full names, case-insensitively. An empty string means background.
func ParseTrigger(s string) (TriggerType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "B", string(TriggerBackground):
		return TriggerBackground, nil
	case "H", string(TriggerHTTP):
		return TriggerHTTP, nil
	default:
		return "", fmt.Errorf("%w: %q (want H or B)", ErrInvalidTrigger, s)
	}
}

// Valid reports whether t is one of the known trigger types.
func (t TriggerType) Valid() bool {
	return t == TriggerHTTP || t == TriggerBackground
}

// Code returns the short form used in control-API query strings.
func (t TriggerType) Code() string {
	if t == TriggerHTTP {
		return "H"
	}
	return "B"
}

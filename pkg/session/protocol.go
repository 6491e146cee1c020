package session

import (
	"strings"
	"unicode/utf8"
)

// Control-channel markers written by the browser host, one per line, on
// its standard output. Anything else on the channel is free-text
// diagnostics.
const (
	MarkerStarted   = "BROWSER_STARTED"
	MarkerClosed    = "BROWSER_CLOSED"
	MarkerCancelled = "LAUNCH_CANCELLED"

	// MarkerFailed prefixes "<ErrorType>: <short message>".
	MarkerFailed = "LAUNCH_FAILED:"
)

// Host exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// SignalKind classifies a control-channel line.
type SignalKind int

const (
	SignalDiagnostic SignalKind = iota
	SignalReady
	SignalClosed
	SignalCancelled
	SignalFailed
)

func (k SignalKind) String() string {
	switch k {
	case SignalReady:
		return "ready"
	case SignalClosed:
		return "closed"
	case SignalCancelled:
		return "cancelled"
	case SignalFailed:
		return "failed"
	default:
		return "diagnostic"
	}
}

// Signal is one parsed control-channel line.
type Signal struct {
	Kind SignalKind

	// Reason is "<ErrorType>: <message>" for SignalFailed.
	Reason string

	// Text is the trimmed line as received.
	Text string
}

// ParseLine classifies one line of host output.
func ParseLine(line string) Signal {
	text := strings.TrimSpace(strings.TrimSuffix(line, "\r"))

	switch {
	case text == MarkerStarted:
		return Signal{Kind: SignalReady, Text: text}
	case text == MarkerClosed:
		return Signal{Kind: SignalClosed, Text: text}
	case text == MarkerCancelled:
		return Signal{Kind: SignalCancelled, Text: text}
	case strings.HasPrefix(text, MarkerFailed):
		return Signal{
			Kind:   SignalFailed,
			Reason: strings.TrimSpace(strings.TrimPrefix(text, MarkerFailed)),
			Text:   text,
		}
	default:
		return Signal{Kind: SignalDiagnostic, Text: text}
	}
}

// FailureLine formats a launch failure for the channel.
func FailureLine(errType, message string) string {
	return MarkerFailed + " " + errType + ": " + message
}

// Truncate shortens s to at most max bytes plus "..." without splitting a
// UTF-8 sequence. A max of zero or less disables truncation.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

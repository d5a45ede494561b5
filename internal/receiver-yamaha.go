package playbridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// ReceiverVariable identifies a YNCA control variable as NAMESPACE:NAME.
type ReceiverVariable string

const (
	ReceiverPower        ReceiverVariable = "MAIN:PWR"
	ReceiverInput        ReceiverVariable = "MAIN:INP"
	ReceiverVolume       ReceiverVariable = "MAIN:VOL"
	ReceiverSoundProgram ReceiverVariable = "MAIN:SOUNDPRG"
)

const (
	PowerOn  = "On"
	PowerOff = "Off"
)

const (
	DefaultReceiverPort        = 50000
	DefaultReceiverDialTimeout = 10 * time.Second
	DefaultReceiverReadTimeout = 5 * time.Second

	queryValue     = "?"
	lineTerminator = "\r\n"
)

// ReceiverControl is what the reactor needs from the controlled appliance.
// Query returns "" when the value could not be obtained.
type ReceiverControl interface {
	Query(ctx context.Context, variable ReceiverVariable) string
	SetIfDifferent(ctx context.Context, variable ReceiverVariable, value string) bool
}

// YamahaReceiver talks the line based YNCA protocol. Every exchange uses its
// own connection since the receiver drops links that have been idle.
type YamahaReceiver struct {
	Address       string
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	DryRun        bool
	MetricsConfig MetricsConfig
}

func NewYamahaReceiver(address string) *YamahaReceiver {
	return &YamahaReceiver{
		Address:     address,
		DialTimeout: DefaultReceiverDialTimeout,
		ReadTimeout: DefaultReceiverReadTimeout,
	}
}

func (r *YamahaReceiver) String() string {
	return "YamahaReceiver(" + r.Address + ")"
}

// Query asks the receiver for the current value of variable. Connection
// failures are logged and reported as "".
func (r *YamahaReceiver) Query(ctx context.Context, variable ReceiverVariable) string {
	response, err := r.exchange(ctx, formatReceiverCommand(variable, queryValue))
	if err != nil {
		slog.Error("Connecting to receiver failed", "address", r.Address, "variable", variable, "error", err)
		r.countExchange(variable, "query", "error")
		return ""
	}

	value, ok := parseReceiverResponse(variable, response)
	if !ok {
		slog.Warn("Unexpected receiver response", "variable", variable, "response", response)
		r.countExchange(variable, "query", "unexpected")
		return ""
	}
	r.countExchange(variable, "query", "ok")
	return value
}

// SetIfDifferent writes value only when the receiver reports something else.
// The receiver does not answer a write of the value it already has, so the
// query keeps us from waiting out the read timeout. The reply to the write is
// not inspected. Returns true when a write was sent.
func (r *YamahaReceiver) SetIfDifferent(ctx context.Context, variable ReceiverVariable, value string) bool {
	current := r.Query(ctx, variable)
	if current == value {
		slog.Debug("Receiver already set", "variable", variable, "value", value)
		return false
	}

	slog.Info("Setting receiver", "variable", variable, "value", value, "was", current)
	if r.DryRun {
		slog.Info("Dry run, not writing to receiver", "variable", variable, "value", value)
		return false
	}

	response, err := r.exchange(ctx, formatReceiverCommand(variable, value))
	var netErr net.Error
	switch {
	case err == nil:
		slog.Debug("Receiver write answered", "variable", variable, "response", response)
		r.countExchange(variable, "set", "ok")
	case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, io.EOF):
		slog.Debug("No answer to receiver write", "variable", variable, "error", err)
		r.countExchange(variable, "set", "unanswered")
	default:
		slog.Error("Writing to receiver failed", "address", r.Address, "variable", variable, "error", err)
		r.countExchange(variable, "set", "error")
	}
	return true
}

func (r *YamahaReceiver) exchange(ctx context.Context, command string) (string, error) {
	dialer := net.Dialer{Timeout: r.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.Address)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(r.ReadTimeout)); err != nil {
		return "", err
	}
	if _, err := io.WriteString(conn, command+lineTerminator); err != nil {
		return "", fmt.Errorf("write %q: %w", command, err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read response to %q: %w", command, err)
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func (r *YamahaReceiver) countExchange(variable ReceiverVariable, kind, result string) {
	r.MetricsConfig.incCounter(`playbridge_receiver_exchanges_total{variable="%s",kind="%s",result="%s",realm="%s"}`,
		variable, kind, result, r.MetricsConfig.MetricsRealm)
}

func formatReceiverCommand(variable ReceiverVariable, value string) string {
	return "@" + string(variable) + "=" + value
}

// parseReceiverResponse strips the echoed "@NAMESPACE:NAME=" from a response
// line. Replies for another variable, or @UNDEFINED/@RESTRICTED, are rejected.
func parseReceiverResponse(variable ReceiverVariable, response string) (string, bool) {
	prefix := string(variable) + "="
	response = strings.TrimPrefix(response, "@")
	if !strings.HasPrefix(response, prefix) {
		return "", false
	}
	return strings.TrimPrefix(response, prefix), true
}

// FormatVolume renders a volume the way the receiver reports it, e.g. -20.0.
func FormatVolume(volume float64) string {
	return strconv.FormatFloat(volume, 'f', 1, 64)
}

package playbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/qmuntal/stateless"
)

type reactorState int

const (
	stateReactorUnknown reactorState = iota
	stateReactorPlaying
	stateReactorNotPlaying
)

func (s reactorState) ToInt() int {
	return int(s)
}

func (s reactorState) String() string {
	switch s {
	case stateReactorPlaying:
		return "PLAYING"
	case stateReactorNotPlaying:
		return "NOT_PLAYING"
	default:
		return "UNKNOWN"
	}
}

const (
	triggerTransportState = "transportState"

	DefaultEventWait = 10 * time.Second
	shutdownTimeout  = 5 * time.Second
)

var errSubscriptionClosed = errors.New("renderer subscription closed")

// ReceiverSettings is what gets asserted on the receiver when the renderer
// starts playing. Volume and SoundProgram are only applied on power on and
// are skipped when unset.
type ReceiverSettings struct {
	Input        string
	Volume       *float64
	SoundProgram string
}

// ReactorController turns renderer transport state changes into receiver
// commands. It is driven from a single goroutine and holds no locks.
type ReactorController struct {
	Name string

	receiver        ReceiverControl
	settings        ReceiverSettings
	metricsConfig   MetricsConfig
	stateMachine    *stateless.StateMachine
	lastStatus      string
	activations     int
	eventsToPublish []MQTTPublish
}

func NewReactorController(receiver ReceiverControl, settings ReceiverSettings, metricsConfig MetricsConfig) *ReactorController {
	c := &ReactorController{
		Name:          "reactor",
		receiver:      receiver,
		settings:      settings,
		metricsConfig: metricsConfig,
	}

	c.stateMachine = stateless.NewStateMachine(stateReactorUnknown)
	c.stateMachine.SetTriggerParameters(triggerTransportState, reflect.TypeOf(""))

	c.stateMachine.Configure(stateReactorUnknown).
		Permit(triggerTransportState, stateReactorPlaying, guardPlaying).
		Permit(triggerTransportState, stateReactorNotPlaying, guardNotPlaying)

	c.stateMachine.Configure(stateReactorNotPlaying).
		Permit(triggerTransportState, stateReactorPlaying, guardPlaying).
		Ignore(triggerTransportState, guardNotPlaying)

	c.stateMachine.Configure(stateReactorPlaying).
		OnEntry(c.activate).
		Ignore(triggerTransportState, guardPlaying).
		Permit(triggerTransportState, stateReactorNotPlaying, guardNotPlaying)

	return c
}

func (c *ReactorController) String() string {
	return c.Name
}

func guardPlaying(_ context.Context, args ...any) bool {
	return transportStateArg(args) == TransportStatePlaying
}

// Anything but PLAYING, TRANSITIONING included, counts as not playing.
func guardNotPlaying(_ context.Context, args ...any) bool {
	return transportStateArg(args) != TransportStatePlaying
}

func transportStateArg(args []any) string {
	if len(args) == 0 {
		return ""
	}
	status, _ := args[0].(string)
	return status
}

func (c *ReactorController) State() reactorState {
	return c.stateMachine.MustState().(reactorState)
}

func (c *ReactorController) LastStatus() string {
	return c.lastStatus
}

func (c *ReactorController) Activations() int {
	return c.activations
}

// ProcessEvent handles one renderer notification and returns what should be
// published about it.
func (c *ReactorController) ProcessEvent(ctx context.Context, ev RendererEvent) []MQTTPublish {
	status, ok := ev.Variables[transportStateKey]
	if !ok || status == "" {
		slog.Warn("Invalid renderer status", "variables", ev.Variables)
		c.metricsConfig.incCounter(`playbridge_renderer_events_total{status="invalid",realm="%s"}`,
			c.metricsConfig.MetricsRealm)
		return c.getAndResetEventsToPublish()
	}
	c.metricsConfig.incCounter(`playbridge_renderer_events_total{status="%s",realm="%s"}`,
		status, c.metricsConfig.MetricsRealm)

	if status != c.lastStatus {
		slog.Info("Renderer play status", "status", status, "previous", c.lastStatus)
		c.addEventsToPublish(rendererStatusPublish(status))
	}

	// An activation runs to completion even when shutdown has been requested,
	// each exchange is bounded by the receiver timeouts.
	beforeState := c.State()
	if err := c.stateMachine.FireCtx(context.WithoutCancel(ctx), triggerTransportState, status); err != nil {
		slog.Error("Error firing state machine", "fsm", c.Name, "status", status, "error", err)
	}
	c.lastStatus = status
	afterState := c.State()

	slog.Debug("Event fired", "fsm", c.Name, "status", status,
		"beforeState", beforeState,
		"afterState", afterState,
		"stateDiff", beforeState != afterState)
	c.metricsConfig.setGauge(float64(afterState.ToInt()), `fsm_state{controller="%s",realm="%s"}`,
		c.Name, c.metricsConfig.MetricsRealm)

	return c.getAndResetEventsToPublish()
}

// activate runs on entry to PLAYING. Volume and sound program are only
// asserted on a cold power on so manual adjustments survive while the
// receiver stays on; the input is always asserted.
func (c *ReactorController) activate(ctx context.Context, _ ...any) error {
	c.activations++
	slog.Info("Renderer started playing, activating receiver", "activation", c.activations)
	c.metricsConfig.incCounter(`playbridge_activations_total{realm="%s"}`, c.metricsConfig.MetricsRealm)
	c.addEventsToPublish(activationPublish(time.Now()))

	if c.receiver.Query(ctx, ReceiverPower) != PowerOn {
		c.setReceiver(ctx, ReceiverPower, PowerOn)
		if c.settings.Volume != nil {
			c.setReceiver(ctx, ReceiverVolume, FormatVolume(*c.settings.Volume))
		}
		if c.settings.SoundProgram != "" {
			c.setReceiver(ctx, ReceiverSoundProgram, c.settings.SoundProgram)
		}
	}
	c.setReceiver(ctx, ReceiverInput, c.settings.Input)
	return nil
}

func (c *ReactorController) setReceiver(ctx context.Context, variable ReceiverVariable, value string) {
	if c.receiver.SetIfDifferent(ctx, variable, value) {
		c.addEventsToPublish(receiverPublish(variable, value))
	}
}

func (c *ReactorController) addEventsToPublish(events ...MQTTPublish) {
	c.eventsToPublish = append(c.eventsToPublish, events...)
}

func (c *ReactorController) getAndResetEventsToPublish() []MQTTPublish {
	events := c.eventsToPublish
	c.eventsToPublish = nil
	return events
}

// Run subscribes to renderer and processes its events one at a time until
// ctx is cancelled. Each wait for an event is bounded by eventWait. On the
// way out the subscription is cancelled and the notifier stopped.
func (c *ReactorController) Run(ctx context.Context, notifier Notifier, renderer Renderer,
	publisher StatusPublisher, eventWait time.Duration) error {

	if eventWait <= 0 {
		eventWait = DefaultEventWait
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if stopErr := notifier.Stop(stopCtx); stopErr != nil {
			slog.Error("Error stopping renderer notifications", "error", stopErr)
		}
	}()

	subscription, err := notifier.Subscribe(ctx, renderer)
	if err != nil {
		return fmt.Errorf("subscribe to renderer %s: %w", renderer.Name, err)
	}
	slog.Info("Subscribed to renderer", "renderer", renderer.Name, "address", renderer.Address)

	defer func() {
		unsubscribeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if unsubscribeErr := subscription.Unsubscribe(unsubscribeCtx); unsubscribeErr != nil {
			slog.Error("Error unsubscribing from renderer", "renderer", renderer.Name, "error", unsubscribeErr)
		}
	}()

	for {
		select {
		case ev, ok := <-subscription.Events():
			if !ok {
				slog.Error("Renderer subscription closed", "renderer", renderer.Name)
				return errSubscriptionClosed
			}
			publisher.Publish(c.ProcessEvent(ctx, ev))
		case <-time.After(eventWait):
			slog.Debug("No renderer event", "wait", eventWait)
		case <-ctx.Done():
		}

		if ctx.Err() != nil {
			slog.Info("Shutting down reactor", "renderer", renderer.Name)
			return nil
		}
	}
}

package playbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// recordingReceiver is an in-memory receiver that logs every exchange.
type recordingReceiver struct {
	values  map[ReceiverVariable]string
	failing bool
	calls   []string
}

func newRecordingReceiver(values map[ReceiverVariable]string) *recordingReceiver {
	return &recordingReceiver{values: values}
}

func (r *recordingReceiver) Query(_ context.Context, variable ReceiverVariable) string {
	r.calls = append(r.calls, "query "+string(variable))
	if r.failing {
		return ""
	}
	return r.values[variable]
}

func (r *recordingReceiver) SetIfDifferent(ctx context.Context, variable ReceiverVariable, value string) bool {
	if r.Query(ctx, variable) == value {
		return false
	}
	r.calls = append(r.calls, "set "+string(variable)+"="+value)
	r.values[variable] = value
	return true
}

func (r *recordingReceiver) takeCalls() []string {
	calls := r.calls
	r.calls = nil
	return calls
}

func statusEvent(status string) RendererEvent {
	return RendererEvent{Timestamp: time.Now(), Variables: map[string]string{transportStateKey: status}}
}

func testSettings() ReceiverSettings {
	volume := -20.0
	return ReceiverSettings{Input: "AV1", Volume: &volume, SoundProgram: "5ch Stereo"}
}

var fullActivation = []string{
	"query MAIN:PWR",
	"query MAIN:PWR", "set MAIN:PWR=On",
	"query MAIN:VOL", "set MAIN:VOL=-20.0",
	"query MAIN:SOUNDPRG", "set MAIN:SOUNDPRG=5ch Stereo",
	"query MAIN:INP", "set MAIN:INP=AV1",
}

func TestReactorScenario(t *testing.T) {
	receiver := newRecordingReceiver(map[ReceiverVariable]string{
		ReceiverPower: "Standby", ReceiverVolume: "-40.0", ReceiverSoundProgram: "Standard", ReceiverInput: "HDMI1",
	})
	c := NewReactorController(receiver, testSettings(), MetricsConfig{})
	ctx := context.Background()

	c.ProcessEvent(ctx, RendererEvent{Variables: map[string]string{"current_play_mode": "NORMAL"}})
	assert.Equal(t, stateReactorUnknown, c.State())
	assert.Equal(t, "", c.LastStatus())
	assert.Empty(t, receiver.takeCalls())

	c.ProcessEvent(ctx, statusEvent("STOPPED"))
	assert.Equal(t, stateReactorNotPlaying, c.State())
	assert.Empty(t, receiver.takeCalls())

	c.ProcessEvent(ctx, statusEvent("PLAYING"))
	assert.Equal(t, 1, c.Activations())
	assert.Equal(t, fullActivation, receiver.takeCalls())

	c.ProcessEvent(ctx, statusEvent("PLAYING"))
	assert.Equal(t, 1, c.Activations())
	assert.Empty(t, receiver.takeCalls())

	c.ProcessEvent(ctx, statusEvent("PAUSED_PLAYBACK"))
	assert.Equal(t, stateReactorNotPlaying, c.State())
	assert.Empty(t, receiver.takeCalls())

	// Receiver is still on, so only the input is asserted.
	c.ProcessEvent(ctx, statusEvent("PLAYING"))
	assert.Equal(t, 2, c.Activations())
	assert.Equal(t, []string{"query MAIN:PWR", "query MAIN:INP"}, receiver.takeCalls())
	assert.Equal(t, "PLAYING", c.LastStatus())
}

func TestReactorPowerCycledBetweenSessions(t *testing.T) {
	receiver := newRecordingReceiver(map[ReceiverVariable]string{ReceiverPower: "Standby"})
	c := NewReactorController(receiver, testSettings(), MetricsConfig{})
	ctx := context.Background()

	c.ProcessEvent(ctx, statusEvent("PLAYING"))
	assert.Equal(t, fullActivation, receiver.takeCalls())

	c.ProcessEvent(ctx, statusEvent("STOPPED"))
	receiver.values[ReceiverPower] = "Standby"
	receiver.values[ReceiverVolume] = "-30.0"

	c.ProcessEvent(ctx, statusEvent("PLAYING"))
	assert.Equal(t, []string{
		"query MAIN:PWR",
		"query MAIN:PWR", "set MAIN:PWR=On",
		"query MAIN:VOL", "set MAIN:VOL=-20.0",
		"query MAIN:SOUNDPRG",
		"query MAIN:INP",
	}, receiver.takeCalls())
}

func TestReactorAlreadyOnOnlySetsInput(t *testing.T) {
	receiver := newRecordingReceiver(map[ReceiverVariable]string{
		ReceiverPower: PowerOn, ReceiverVolume: "-45.0", ReceiverInput: "HDMI2",
	})
	c := NewReactorController(receiver, testSettings(), MetricsConfig{})

	events := c.ProcessEvent(context.Background(), statusEvent("PLAYING"))

	assert.Equal(t, []string{"query MAIN:PWR", "query MAIN:INP", "set MAIN:INP=AV1"}, receiver.takeCalls())
	assert.Equal(t, "-45.0", receiver.values[ReceiverVolume])
	assert.Contains(t, events, receiverPublish(ReceiverInput, "AV1"))
	assert.Contains(t, events, rendererStatusPublish("PLAYING"))
}

func TestReactorUnsetVolumeAndSoundProgram(t *testing.T) {
	receiver := newRecordingReceiver(map[ReceiverVariable]string{ReceiverPower: PowerOff})
	c := NewReactorController(receiver, ReceiverSettings{Input: "AV1"}, MetricsConfig{})

	c.ProcessEvent(context.Background(), statusEvent("PLAYING"))

	assert.Equal(t, []string{
		"query MAIN:PWR",
		"query MAIN:PWR", "set MAIN:PWR=On",
		"query MAIN:INP", "set MAIN:INP=AV1",
	}, receiver.takeCalls())
}

func TestReactorFailingReceiverStillAttemptsEveryWrite(t *testing.T) {
	receiver := newRecordingReceiver(map[ReceiverVariable]string{})
	receiver.failing = true
	c := NewReactorController(receiver, testSettings(), MetricsConfig{})

	c.ProcessEvent(context.Background(), statusEvent("PLAYING"))

	assert.Equal(t, fullActivation, receiver.takeCalls())
}

func TestReactorTransitioningCountsAsNotPlaying(t *testing.T) {
	receiver := newRecordingReceiver(map[ReceiverVariable]string{ReceiverPower: PowerOn, ReceiverInput: "AV1"})
	c := NewReactorController(receiver, testSettings(), MetricsConfig{})
	ctx := context.Background()

	for _, status := range []string{"TRANSITIONING", "PLAYING", "TRANSITIONING", "PLAYING", "PLAYING"} {
		c.ProcessEvent(ctx, statusEvent(status))
	}
	assert.Equal(t, 2, c.Activations())
}

func TestReactorDuplicatePlayingEvents(t *testing.T) {
	receiver := newRecordingReceiver(map[ReceiverVariable]string{})
	c := NewReactorController(receiver, testSettings(), MetricsConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.ProcessEvent(ctx, statusEvent("PLAYING"))
	}
	assert.Equal(t, 1, c.Activations())

	// An event without transport state does not reset the edge.
	c.ProcessEvent(ctx, RendererEvent{Variables: map[string]string{}})
	c.ProcessEvent(ctx, statusEvent("PLAYING"))
	assert.Equal(t, 1, c.Activations())
}

func TestReactorActivationCompletesAfterShutdownRequest(t *testing.T) {
	server := startFakeYNCAServer(t, map[string]string{
		"MAIN:PWR": "Standby", "MAIN:VOL": "-40.0", "MAIN:SOUNDPRG": "Standard", "MAIN:INP": "HDMI1",
	})
	c := NewReactorController(newTestReceiver(server.listener.Addr().String()), testSettings(), MetricsConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.ProcessEvent(ctx, statusEvent("PLAYING"))

	assert.Equal(t, 1, c.Activations())
	assert.Equal(t, []string{
		"@MAIN:PWR=?",
		"@MAIN:PWR=?", "@MAIN:PWR=On",
		"@MAIN:VOL=?", "@MAIN:VOL=-20.0",
		"@MAIN:SOUNDPRG=?", "@MAIN:SOUNDPRG=5ch Stereo",
		"@MAIN:INP=?", "@MAIN:INP=AV1",
	}, server.Requests())
	assert.Equal(t, "AV1", server.Value("MAIN:INP"))
}

type fakeSubscription struct {
	events       chan RendererEvent
	unsubscribed int
}

func (s *fakeSubscription) Events() <-chan RendererEvent {
	return s.events
}

func (s *fakeSubscription) Unsubscribe(context.Context) error {
	s.unsubscribed++
	return nil
}

type fakeNotifier struct {
	subscription *fakeSubscription
	subscribeErr error
	subscribed   []Renderer
	stopped      int
}

func (n *fakeNotifier) Subscribe(_ context.Context, renderer Renderer) (Subscription, error) {
	n.subscribed = append(n.subscribed, renderer)
	if n.subscribeErr != nil {
		return nil, n.subscribeErr
	}
	return n.subscription, nil
}

func (n *fakeNotifier) Stop(context.Context) error {
	n.stopped++
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []MQTTPublish
}

func (p *recordingPublisher) Publish(events []MQTTPublish) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func TestReactorRunShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	receiver := newRecordingReceiver(map[ReceiverVariable]string{ReceiverPower: "Standby"})
	c := NewReactorController(receiver, testSettings(), MetricsConfig{})
	subscription := &fakeSubscription{events: make(chan RendererEvent)}
	notifier := &fakeNotifier{subscription: subscription}
	publisher := &recordingPublisher{}
	renderer := Renderer{Name: "Living Room", UID: "RINCON_000E58000001", Address: "192.168.2.10", Port: 1400}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, notifier, renderer, publisher, 50*time.Millisecond)
	}()

	// Unbuffered, so each send returns once the loop has taken the event.
	for _, status := range []string{"STOPPED", "PLAYING", "PLAYING"} {
		subscription.events <- statusEvent(status)
	}
	time.Sleep(120 * time.Millisecond) // let the bounded wait time out at least once

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reactor did not shut down")
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Equal(t, []Renderer{renderer}, notifier.subscribed)
	assert.Equal(t, 1, subscription.unsubscribed)
	assert.Equal(t, 1, notifier.stopped)
	assert.Equal(t, 1, c.Activations())
	var topics []string
	for _, ev := range publisher.events {
		topics = append(topics, ev.Topic)
	}
	assert.Contains(t, topics, "playbridge/activation")
	assert.Contains(t, topics, "playbridge/receiver/main/inp")
}

func TestReactorRunSubscribeFailure(t *testing.T) {
	c := NewReactorController(newRecordingReceiver(map[ReceiverVariable]string{}), testSettings(), MetricsConfig{})
	notifier := &fakeNotifier{subscribeErr: errors.New("connection refused")}

	err := c.Run(context.Background(), notifier, Renderer{Name: "Kitchen"}, noopPublisher{}, time.Second)

	require.Error(t, err)
	assert.Equal(t, 1, notifier.stopped)
}

func TestReactorRunSubscriptionClosed(t *testing.T) {
	c := NewReactorController(newRecordingReceiver(map[ReceiverVariable]string{}), testSettings(), MetricsConfig{})
	subscription := &fakeSubscription{events: make(chan RendererEvent)}
	close(subscription.events)
	notifier := &fakeNotifier{subscription: subscription}

	err := c.Run(context.Background(), notifier, Renderer{Name: "Kitchen"}, noopPublisher{}, time.Second)

	require.ErrorIs(t, err, errSubscriptionClosed)
	assert.Equal(t, 1, subscription.unsubscribed)
	assert.Equal(t, 1, notifier.stopped)
}

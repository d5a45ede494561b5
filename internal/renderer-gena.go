package playbridge

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

const (
	avTransportEventPath       = "/MediaRenderer/AVTransport/Event"
	DefaultCallbackAddress     = ":1401"
	defaultSubscriptionTimeout = 30 * time.Minute
	renewalRetryInterval       = 30 * time.Second
	eventQueueSize             = 32
	maxNotifyBodySize          = 1 << 20
)

// GENANotifier subscribes to UPnP AVTransport events and runs the HTTP server
// the renderer pushes NOTIFY requests to.
type GENANotifier struct {
	ListenAddress string
	// CallbackHost is the address advertised to the renderer. When empty the
	// local address routing to the renderer is used.
	CallbackHost  string
	MetricsConfig MetricsConfig

	httpClient *http.Client
	server     *http.Server
	listener   net.Listener

	mu            sync.Mutex
	nextID        int
	subscriptions map[string]*genaSubscription
	stopOnce      sync.Once
}

func NewGENANotifier(listenAddress string) *GENANotifier {
	return &GENANotifier{
		ListenAddress: listenAddress,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		subscriptions: make(map[string]*genaSubscription),
	}
}

// Start begins accepting notifications. The same server exposes /metrics.
func (n *GENANotifier) Start() error {
	listener, err := net.Listen("tcp", n.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen for renderer events on %s: %w", n.ListenAddress, err)
	}
	n.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("NOTIFY /event/{id}", n.handleNotify)
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	n.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := n.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Renderer event server failed", "address", listener.Addr(), "error", err)
		}
	}()
	slog.Info("Listening for renderer events", "address", listener.Addr())
	return nil
}

func (n *GENANotifier) Stop(ctx context.Context) error {
	var err error
	n.stopOnce.Do(func() {
		if n.server == nil {
			return
		}
		slog.Info("Stopping renderer event server")
		err = n.server.Shutdown(ctx)
	})
	return err
}

func (n *GENANotifier) Subscribe(ctx context.Context, renderer Renderer) (Subscription, error) {
	if n.listener == nil {
		return nil, errors.New("renderer event server not started")
	}
	callbackHost, err := n.callbackHost(renderer)
	if err != nil {
		return nil, err
	}
	_, port, err := net.SplitHostPort(n.listener.Addr().String())
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.nextID++
	id := strconv.Itoa(n.nextID)
	sub := &genaSubscription{
		notifier:    n,
		id:          id,
		eventURL:    "http://" + rendererHostPort(renderer) + avTransportEventPath,
		callbackURL: "http://" + net.JoinHostPort(callbackHost, port) + "/event/" + id,
		events:      make(chan RendererEvent, eventQueueSize),
		done:        make(chan struct{}),
	}
	// Registered before SUBSCRIBE, the initial NOTIFY can beat the response.
	n.subscriptions[id] = sub
	n.mu.Unlock()

	if err := sub.subscribe(ctx); err != nil {
		n.remove(id)
		return nil, err
	}
	go sub.renewLoop()
	return sub, nil
}

func (n *GENANotifier) callbackHost(renderer Renderer) (string, error) {
	if n.CallbackHost != "" {
		return n.CallbackHost, nil
	}
	// No packets are sent, this only resolves the outgoing interface.
	conn, err := net.Dial("udp", rendererHostPort(renderer))
	if err != nil {
		return "", fmt.Errorf("determine callback address for %s: %w", renderer.Address, err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func (n *GENANotifier) lookup(id string) *genaSubscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscriptions[id]
}

func (n *GENANotifier) remove(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subscriptions, id)
}

func (n *GENANotifier) handleNotify(w http.ResponseWriter, r *http.Request) {
	sub := n.lookup(r.PathValue("id"))
	if sub == nil || !sub.matchesSID(r.Header.Get("SID")) {
		slog.Debug("Notification for unknown subscription", "path", r.URL.Path, "sid", r.Header.Get("SID"))
		http.Error(w, "unknown subscription", http.StatusPreconditionFailed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	variables, err := parseAVTransportEvent(body)
	if err != nil {
		slog.Warn("Could not parse renderer notification", "error", err, "seq", r.Header.Get("SEQ"))
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	ev := RendererEvent{Timestamp: time.Now(), Variables: variables}
	select {
	case sub.events <- ev:
		n.MetricsConfig.incCounter(`playbridge_notifications_total{result="queued",realm="%s"}`, n.MetricsConfig.MetricsRealm)
	default:
		slog.Warn("Renderer event queue full, dropping event", "variables", variables)
		n.MetricsConfig.incCounter(`playbridge_notifications_total{result="dropped",realm="%s"}`, n.MetricsConfig.MetricsRealm)
	}
	w.WriteHeader(http.StatusOK)
}

type genaSubscription struct {
	notifier    *GENANotifier
	id          string
	eventURL    string
	callbackURL string
	events      chan RendererEvent
	done        chan struct{}

	mu           sync.Mutex
	sid          string
	timeout      time.Duration
	unsubscribed bool
}

func (s *genaSubscription) Events() <-chan RendererEvent {
	return s.events
}

func (s *genaSubscription) matchesSID(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	// SID is unknown until the SUBSCRIBE response has been read.
	if s.sid == "" {
		return true
	}
	return s.sid == sid
}

func (s *genaSubscription) subscribe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", s.eventURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("CALLBACK", "<"+s.callbackURL+">")
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", formatSubscriptionTimeout(defaultSubscriptionTimeout))
	return s.send(req)
}

func (s *genaSubscription) renew(ctx context.Context) error {
	s.mu.Lock()
	sid := s.sid
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", s.eventURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("SID", sid)
	req.Header.Set("TIMEOUT", formatSubscriptionTimeout(defaultSubscriptionTimeout))
	return s.send(req)
}

func (s *genaSubscription) send(req *http.Request) error {
	resp, err := s.notifier.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, s.eventURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &subscriptionError{StatusCode: resp.StatusCode, URL: s.eventURL}
	}
	sid := resp.Header.Get("SID")
	if sid == "" {
		return fmt.Errorf("%s %s: response without SID", req.Method, s.eventURL)
	}

	s.mu.Lock()
	s.sid = sid
	s.timeout = parseSubscriptionTimeout(resp.Header.Get("TIMEOUT"))
	s.mu.Unlock()
	slog.Debug("Renderer subscription active", "sid", sid, "timeout", s.timeout, "callback", s.callbackURL)
	return nil
}

// renewLoop renews at half the granted timeout. A subscription the renderer
// no longer knows about is replaced by a fresh one.
func (s *genaSubscription) renewLoop() {
	s.mu.Lock()
	wait := s.timeout / 2
	s.mu.Unlock()

	for {
		select {
		case <-s.done:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.renew(ctx)
		var subErr *subscriptionError
		if errors.As(err, &subErr) && subErr.StatusCode == http.StatusPreconditionFailed {
			slog.Info("Renderer subscription expired, subscribing again", "url", s.eventURL)
			s.mu.Lock()
			s.sid = ""
			s.mu.Unlock()
			err = s.subscribe(ctx)
		}
		cancel()

		if err != nil {
			slog.Error("Error renewing renderer subscription", "url", s.eventURL, "error", err)
			wait = renewalRetryInterval
			continue
		}
		s.mu.Lock()
		wait = s.timeout / 2
		s.mu.Unlock()
	}
}

func (s *genaSubscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.unsubscribed {
		s.mu.Unlock()
		return nil
	}
	s.unsubscribed = true
	sid := s.sid
	s.mu.Unlock()

	close(s.done)
	s.notifier.remove(s.id)

	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", s.eventURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("SID", sid)
	resp, err := s.notifier.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("UNSUBSCRIBE %s: %w", s.eventURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &subscriptionError{StatusCode: resp.StatusCode, URL: s.eventURL}
	}
	slog.Info("Unsubscribed from renderer", "sid", sid)
	return nil
}

type subscriptionError struct {
	StatusCode int
	URL        string
}

func (e *subscriptionError) Error() string {
	return fmt.Sprintf("subscription request to %s failed: %s", e.URL, http.StatusText(e.StatusCode))
}

func formatSubscriptionTimeout(timeout time.Duration) string {
	return "Second-" + strconv.Itoa(int(timeout.Seconds()))
}

func parseSubscriptionTimeout(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(header), "Second-"))
	if err != nil || seconds <= 0 {
		// "infinite" or garbage
		return defaultSubscriptionTimeout
	}
	return time.Duration(seconds) * time.Second
}

type genaPropertySet struct {
	XMLName    xml.Name       `xml:"propertyset"`
	Properties []genaProperty `xml:"property"`
}

type genaProperty struct {
	Variables []genaVariable `xml:",any"`
}

type genaVariable struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type lastChangeEvent struct {
	Instances []struct {
		ID        string `xml:"val,attr"`
		Variables []struct {
			XMLName xml.Name
			Value   string `xml:"val,attr"`
		} `xml:",any"`
	} `xml:"InstanceID"`
}

// parseAVTransportEvent flattens a NOTIFY body into variable name -> value.
// State variables wrapped in LastChange are unpacked, so TransportState
// ends up as "transport_state".
func parseAVTransportEvent(body []byte) (map[string]string, error) {
	var propertySet genaPropertySet
	if err := xml.Unmarshal(body, &propertySet); err != nil {
		return nil, fmt.Errorf("parse property set: %w", err)
	}

	variables := make(map[string]string)
	for _, property := range propertySet.Properties {
		for _, variable := range property.Variables {
			if variable.XMLName.Local != "LastChange" {
				variables[camelToSnake(variable.XMLName.Local)] = variable.Value
				continue
			}
			var lastChange lastChangeEvent
			if err := xml.Unmarshal([]byte(variable.Value), &lastChange); err != nil {
				return nil, fmt.Errorf("parse LastChange: %w", err)
			}
			for _, instance := range lastChange.Instances {
				for _, v := range instance.Variables {
					variables[camelToSnake(v.XMLName.Local)] = v.Value
				}
			}
		}
	}
	return variables, nil
}

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
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/koron/go-ssdp"
)

const (
	ZonePlayerSearchTarget = "urn:schemas-upnp-org:device:ZonePlayer:1"
	defaultRendererPort    = 1400

	// Sonos Connect and ZP90 report hardware versions starting with this.
	connectHardwarePrefix = "1.1."
)

var (
	ErrNoRenderer        = errors.New("no matching renderer found")
	ErrAmbiguousRenderer = errors.New("more than one matching renderer found")
)

// SSDPDiscoverer finds renderers with an SSDP M-SEARCH and reads each
// device description.
type SSDPDiscoverer struct {
	SearchTarget string
	WaitSeconds  int
	LocalAddress string

	httpClient *http.Client
	search     func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error)
}

func NewSSDPDiscoverer() *SSDPDiscoverer {
	return &SSDPDiscoverer{
		SearchTarget: ZonePlayerSearchTarget,
		WaitSeconds:  3,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		search: func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error) {
			return ssdp.Search(searchType, waitSec, localAddr)
		},
	}
}

func (d *SSDPDiscoverer) Discover(ctx context.Context) ([]Renderer, error) {
	services, err := d.search(d.SearchTarget, d.WaitSeconds, d.LocalAddress)
	if err != nil {
		return nil, fmt.Errorf("SSDP search for %s: %w", d.SearchTarget, err)
	}

	seen := make(map[string]bool)
	var renderers []Renderer
	for _, service := range services {
		if service.Type != d.SearchTarget || seen[service.Location] {
			continue
		}
		seen[service.Location] = true

		renderer, err := d.describe(ctx, service.Location)
		if err != nil {
			slog.Warn("Could not read renderer description", "location", service.Location, "usn", service.USN, "error", err)
			continue
		}
		renderers = append(renderers, renderer)
	}

	sort.Slice(renderers, func(i, j int) bool {
		if renderers[i].Name != renderers[j].Name {
			return renderers[i].Name < renderers[j].Name
		}
		return renderers[i].UID < renderers[j].UID
	})
	return renderers, nil
}

type deviceDescription struct {
	Device struct {
		RoomName        string `xml:"roomName"`
		DisplayName     string `xml:"displayName"`
		FriendlyName    string `xml:"friendlyName"`
		ModelName       string `xml:"modelName"`
		HardwareVersion string `xml:"hardwareVersion"`
		UDN             string `xml:"UDN"`
	} `xml:"device"`
}

func (d *SSDPDiscoverer) describe(ctx context.Context, location string) (Renderer, error) {
	u, err := url.Parse(location)
	if err != nil {
		return Renderer{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return Renderer{}, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Renderer{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Renderer{}, fmt.Errorf("GET %s: %s", location, resp.Status)
	}

	var description deviceDescription
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&description); err != nil {
		return Renderer{}, fmt.Errorf("parse device description: %w", err)
	}
	return rendererFromDescription(description, u), nil
}

func rendererFromDescription(description deviceDescription, location *url.URL) Renderer {
	port := defaultRendererPort
	if p, err := strconv.Atoi(location.Port()); err == nil {
		port = p
	}
	name := description.Device.RoomName
	if name == "" {
		name = description.Device.FriendlyName
	}
	return Renderer{
		Name:            name,
		UID:             strings.TrimPrefix(description.Device.UDN, "uuid:"),
		Address:         location.Hostname(),
		Port:            port,
		Model:           description.Device.ModelName,
		HardwareVersion: description.Device.HardwareVersion,
		Location:        location.String(),
	}
}

// SelectRenderer picks the renderer to follow. With a UID it must match
// exactly one renderer, without one the hardware signature of a Sonos
// Connect has to.
func SelectRenderer(renderers []Renderer, uid string) (Renderer, error) {
	var matches []Renderer
	for _, renderer := range renderers {
		slog.Info("Renderer", "name", renderer.Name, "uid", renderer.UID,
			"address", renderer.Address, "model", renderer.Model)

		if uid != "" {
			if strings.EqualFold(renderer.UID, uid) {
				matches = append(matches, renderer)
			}
		} else if strings.HasPrefix(renderer.HardwareVersion, connectHardwarePrefix) {
			slog.Info("  => possible match", "uid", renderer.UID)
			matches = append(matches, renderer)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return Renderer{}, fmt.Errorf("%w among %d renderers", ErrNoRenderer, len(renderers))
	default:
		return Renderer{}, fmt.Errorf("%w: %d candidates", ErrAmbiguousRenderer, len(matches))
	}
}

func rendererHostPort(renderer Renderer) string {
	return net.JoinHostPort(renderer.Address, strconv.Itoa(renderer.Port))
}

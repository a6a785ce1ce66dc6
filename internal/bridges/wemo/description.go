package wemo

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Description fetch defaults.
const (
	DescriptionTimeout = 5 * time.Second
	descriptionPath    = "/setup.xml"
)

// Service type URNs.
const (
	ServiceBasicEvent  = "urn:Belkin:service:basicevent:1"
	ServiceInsight     = "urn:Belkin:service:insight:1"
	ServiceBridge      = "urn:Belkin:service:bridge:1"
	ServiceDeviceEvent = "urn:Belkin:service:deviceevent:1"
	ServiceFirmware    = "urn:Belkin:service:firmwareupdate:1"
	ServiceMetaInfo    = "urn:Belkin:service:metainfo:1"
)

// DefaultPorts are probed, in order, when no port is known.
var DefaultPorts = []int{49153, 49152, 49154, 49151, 49155}

// Service is one advertised UPnP service with absolute URLs.
type Service struct {
	Type        string
	ControlURL  string
	EventSubURL string
}

// SubDevice is a device behind a hub, reported by GetEndDevices.
type SubDevice struct {
	ID           string
	Name         string
	Capabilities map[string]string
}

// Descriptor is the result of probing one address. A fresh descriptor
// supersedes the previous one on every successful probe.
type Descriptor struct {
	UDN        string
	Serial     string
	Name       string
	Model      string
	Firmware   string
	MAC        string
	DeviceType string
	Host       string
	Port       int
	Services   map[string]Service

	// CallbackURL is this host's NOTIFY address for the device.
	CallbackURL string

	// Capabilities describes hub sub-devices.
	Capabilities map[string]SubDevice
}

// ControlURL returns the control endpoint for a service.
func (d *Descriptor) ControlURL(serviceType string) (string, bool) {
	s, ok := d.Services[serviceType]
	if !ok || s.ControlURL == "" {
		return "", false
	}
	return s.ControlURL, true
}

// EventURL returns the subscription endpoint for a service.
func (d *Descriptor) EventURL(serviceType string) (string, bool) {
	s, ok := d.Services[serviceType]
	if !ok || s.EventSubURL == "" {
		return "", false
	}
	return s.EventSubURL, true
}

// HasService reports whether the device advertises serviceType.
func (d *Descriptor) HasService(serviceType string) bool {
	_, ok := d.Services[serviceType]
	return ok
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Services = make(map[string]Service, len(d.Services))
	for k, v := range d.Services {
		c.Services[k] = v
	}
	if d.Capabilities != nil {
		c.Capabilities = make(map[string]SubDevice, len(d.Capabilities))
		for k, v := range d.Capabilities {
			c.Capabilities[k] = v
		}
	}
	return &c
}

type setupXML struct {
	XMLName xml.Name `xml:"root"`
	Device  struct {
		DeviceType      string `xml:"deviceType"`
		FriendlyName    string `xml:"friendlyName"`
		ModelName       string `xml:"modelName"`
		ModelNumber     string `xml:"modelNumber"`
		SerialNumber    string `xml:"serialNumber"`
		UDN             string `xml:"UDN"`
		MACAddress      string `xml:"macAddress"`
		FirmwareVersion string `xml:"firmwareVersion"`
		ServiceList     struct {
			Services []struct {
				ServiceType string `xml:"serviceType"`
				ControlURL  string `xml:"controlURL"`
				EventSubURL string `xml:"eventSubURL"`
			} `xml:"service"`
		} `xml:"serviceList"`
	} `xml:"device"`
}

// ParseDescription turns a setup.xml body into a Descriptor. Relative
// service paths are resolved against host:port.
func ParseDescription(body []byte, host string, port int) (*Descriptor, error) {
	var doc setupXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: setup.xml: %w", ErrDiscovery, err)
	}
	dev := doc.Device
	if strings.TrimSpace(dev.UDN) == "" {
		return nil, fmt.Errorf("%w: setup.xml has no UDN", ErrDiscovery)
	}

	base := &url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port))}
	d := &Descriptor{
		UDN:        strings.TrimSpace(dev.UDN),
		Serial:     strings.TrimSpace(dev.SerialNumber),
		Name:       strings.TrimSpace(dev.FriendlyName),
		Model:      strings.TrimSpace(dev.ModelName),
		Firmware:   strings.TrimSpace(dev.FirmwareVersion),
		MAC:        strings.TrimSpace(dev.MACAddress),
		DeviceType: strings.TrimSpace(dev.DeviceType),
		Host:       host,
		Port:       port,
		Services:   make(map[string]Service, len(dev.ServiceList.Services)),
	}
	for _, s := range dev.ServiceList.Services {
		st := strings.TrimSpace(s.ServiceType)
		if st == "" {
			continue
		}
		d.Services[st] = Service{
			Type:        st,
			ControlURL:  resolveURL(base, s.ControlURL),
			EventSubURL: resolveURL(base, s.EventSubURL),
		}
	}
	return d, nil
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

// FetchDescription GETs setup.xml from one host:port.
func FetchDescription(ctx context.Context, client *http.Client, host string, port int) (*Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, DescriptionTimeout)
	defer cancel()

	target := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + descriptionPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDiscovery, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrDiscovery, target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDiscovery, target, err)
	}
	return ParseDescription(body, host, port)
}

// ProbePorts tries lastPort first (when set) then DefaultPorts. The first
// port serving setup.xml wins.
func ProbePorts(ctx context.Context, client *http.Client, host string, lastPort int) (*Descriptor, error) {
	var lastErr error
	for _, port := range candidatePorts(lastPort) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
		}
		d, err := FetchDescription(ctx, client, host, port)
		if err == nil {
			return d, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrNoUsablePort, host, lastErr)
}

func candidatePorts(lastPort int) []int {
	ports := make([]int, 0, len(DefaultPorts)+1)
	if lastPort > 0 {
		ports = append(ports, lastPort)
	}
	for _, p := range DefaultPorts {
		if p != lastPort {
			ports = append(ports, p)
		}
	}
	return ports
}

// parseEndDevices decodes the DeviceLists value of a GetEndDevices answer.
func parseEndDevices(raw string) []SubDevice {
	type deviceInfo struct {
		DeviceID      string `xml:"DeviceID"`
		FriendlyName  string `xml:"FriendlyName"`
		CapabilityIDs string `xml:"CapabilityIDs"`
		CurrentState  string `xml:"CurrentState"`
	}
	type groupInfo struct {
		GroupID               string `xml:"GroupID"`
		GroupName             string `xml:"GroupName"`
		GroupCapabilityIDs    string `xml:"GroupCapabilityIDs"`
		GroupCapabilityValues string `xml:"GroupCapabilityValues"`
	}
	type deviceList struct {
		Infos  []deviceInfo `xml:"DeviceLists>DeviceList>DeviceInfos>DeviceInfo"`
		Groups []groupInfo  `xml:"DeviceLists>DeviceList>GroupInfos>GroupInfo"`
	}

	doc := stripXMLDecl(unescapeNested(raw))
	var list deviceList
	if err := xml.Unmarshal([]byte("<wrap>"+doc+"</wrap>"), &list); err != nil {
		return nil
	}

	out := make([]SubDevice, 0, len(list.Infos)+len(list.Groups))
	add := func(id, name, caps, state string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		out = append(out, SubDevice{ID: id, Name: strings.TrimSpace(name), Capabilities: zipCapabilities(caps, state)})
	}
	for _, e := range list.Infos {
		add(e.DeviceID, e.FriendlyName, e.CapabilityIDs, e.CurrentState)
	}
	for _, g := range list.Groups {
		add(g.GroupID, g.GroupName, g.GroupCapabilityIDs, g.GroupCapabilityValues)
	}
	return out
}

func zipCapabilities(ids, values string) map[string]string {
	caps := make(map[string]string)
	idList := strings.Split(ids, ",")
	valList := strings.Split(values, ",")
	for i, id := range idList {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		v := ""
		if i < len(valList) {
			v = strings.TrimSpace(valList[i])
		}
		caps[id] = v
	}
	return caps
}

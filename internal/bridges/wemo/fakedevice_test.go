package wemo

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const fakeSetupXML = `<?xml version="1.0"?>
<root xmlns="urn:Belkin:device-1-0">
  <device>
    <deviceType>%TYPE%</deviceType>
    <friendlyName>%NAME%</friendlyName>
    <modelName>Socket</modelName>
    <serialNumber>221517K0101769</serialNumber>
    <UDN>%UDN%</UDN>
    <macAddress>EC1A59F2A1B0</macAddress>
    <firmwareVersion>WeMo_WW_2.00.11057.PVT-OWRT-SNS</firmwareVersion>
    <serviceList>
      <service>
        <serviceType>urn:Belkin:service:basicevent:1</serviceType>
        <controlURL>/upnp/control/basicevent1</controlURL>
        <eventSubURL>/upnp/event/basicevent1</eventSubURL>
      </service>
      <service>
        <serviceType>urn:Belkin:service:metainfo:1</serviceType>
        <controlURL>/upnp/control/metainfo1</controlURL>
        <eventSubURL>/upnp/event/metainfo1</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`

var binaryStateArg = regexp.MustCompile(`<BinaryState>(\d+)</BinaryState>`)

// fakeDevice is an in-process Wemo switch: setup.xml, basicevent control
// and event subscription.
type fakeDevice struct {
	srv *httptest.Server

	mu           sync.Mutex
	udn          string
	deviceType   string
	name         string
	state        string
	actions      []string
	subscribes   []http.Header
	unsubscribes int
	subStatus    int
	subHangup    bool
	controlDelay time.Duration
	inFlight     int
	maxInFlight  int
}

func newFakeDevice(t *testing.T, udn string) *fakeDevice {
	t.Helper()
	f := &fakeDevice{
		udn:        udn,
		deviceType: DeviceTypeSwitch,
		name:       "Kitchen",
		state:      "0",
		subStatus:  http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/setup.xml", f.handleSetup)
	mux.HandleFunc("/upnp/control/basicevent1", f.handleControl)
	mux.HandleFunc("/upnp/event/basicevent1", f.handleEvent)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDevice) hostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(f.srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (f *fakeDevice) addr() string {
	return f.srv.Listener.Addr().String()
}

func (f *fakeDevice) handleSetup(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	body := strings.NewReplacer("%TYPE%", f.deviceType, "%NAME%", f.name, "%UDN%", f.udn).Replace(fakeSetupXML)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "text/xml")
	_, _ = io.WriteString(w, body)
}

func (f *fakeDevice) handleControl(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	action := r.Header.Get("SOAPACTION")

	f.mu.Lock()
	f.actions = append(f.actions, action)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.controlDelay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	var name string
	switch action {
	case SOAPActionHeader(ServiceBasicEvent, "GetBinaryState"):
		name = "GetBinaryState"
	case SOAPActionHeader(ServiceBasicEvent, "SetBinaryState"):
		name = "SetBinaryState"
		if m := binaryStateArg.FindSubmatch(body); m != nil {
			f.mu.Lock()
			f.state = string(m[1])
			f.mu.Unlock()
		}
	default:
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, soapFault("401", "Invalid Action"))
		return
	}

	f.mu.Lock()
	state := f.state
	f.mu.Unlock()
	_, _ = io.WriteString(w, soapResponse(name, "<BinaryState>"+state+"</BinaryState>"))
}

func (f *fakeDevice) handleEvent(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case "SUBSCRIBE":
		f.subscribes = append(f.subscribes, r.Header.Clone())
		if f.subHangup {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
			return
		}
		if f.subStatus != http.StatusOK {
			w.WriteHeader(f.subStatus)
			return
		}
		w.Header().Set("SID", "uuid:abc")
		w.Header().Set("TIMEOUT", r.Header.Get("TIMEOUT"))
		w.WriteHeader(http.StatusOK)
	case "UNSUBSCRIBE":
		f.unsubscribes++
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeDevice) setState(s string) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeDevice) getState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeDevice) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func (f *fakeDevice) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribes
}

func (f *fakeDevice) actionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actions)
}

func (f *fakeDevice) setSubscribe(status int, hangup bool) {
	f.mu.Lock()
	f.subStatus = status
	f.subHangup = hangup
	f.mu.Unlock()
}

func soapResponse(action, inner string) string {
	return `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" ` +
		`s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>` +
		`<u:` + action + `Response xmlns:u="urn:Belkin:service:basicevent:1">` + inner +
		`</u:` + action + `Response></s:Body></s:Envelope>`
}

func soapFault(code, desc string) string {
	return `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault>` +
		`<faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail>` +
		`<UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>` + code + `</errorCode>` +
		`<errorDescription>` + desc + `</errorDescription></UPnPError></detail></s:Fault></s:Body></s:Envelope>`
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recordingSink collects engine events.
type recordingSink struct {
	mu     sync.Mutex
	events []DeviceEvent
}

func (s *recordingSink) DeviceEvent(ev DeviceEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

// last returns the most recent value of name for deviceID.
func (s *recordingSink) last(deviceID, name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.DeviceID == deviceID && ev.Name == name {
			return ev.Value, true
		}
	}
	return nil, false
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// staticSearcher returns a fixed SSDP answer.
type staticSearcher struct {
	responses []SSDPResponse
}

func (s staticSearcher) Search(_ context.Context, _ time.Duration) ([]SSDPResponse, error) {
	return s.responses, nil
}

package wemo

import (
	"strings"
	"testing"
	"time"
)

func TestSearchMessage(t *testing.T) {
	msg := string(searchMessage(SearchTarget, 3*time.Second))
	for _, want := range []string{
		"M-SEARCH * HTTP/1.1\r\n",
		"HOST: 239.255.255.250:1900\r\n",
		"MAN: \"ssdp:discover\"\r\n",
		"MX: 3\r\n",
		"ST: urn:Belkin:service:basicevent:1\r\n\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if !strings.Contains(string(searchMessage(SearchTarget, 10*time.Millisecond)), "MX: 1\r\n") {
		t.Error("MX should never be below 1")
	}
}

func TestParseSearchResponse(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=86400\r\n" +
		"LOCATION: http://192.0.2.41:49153/setup.xml\r\n" +
		"ST: urn:Belkin:service:basicevent:1\r\n" +
		"USN: uuid:Socket-1_0-221517K0101769::urn:Belkin:service:basicevent:1\r\n" +
		"\r\n"

	r, ok := parseSearchResponse([]byte(raw))
	if !ok {
		t.Fatal("parseSearchResponse() rejected a valid reply")
	}
	want := SSDPResponse{
		Host:     "192.0.2.41",
		Port:     49153,
		UDN:      "uuid:Socket-1_0-221517K0101769",
		Location: "http://192.0.2.41:49153/setup.xml",
		ST:       "urn:Belkin:service:basicevent:1",
	}
	if r != want {
		t.Errorf("parseSearchResponse() = %+v, want %+v", r, want)
	}
}

func TestParseSearchResponseRejects(t *testing.T) {
	for _, raw := range []string{
		"garbage",
		"HTTP/1.1 200 OK\r\nST: x\r\n\r\n",
		"HTTP/1.1 200 OK\r\nLOCATION: /setup.xml\r\n\r\n",
	} {
		if _, ok := parseSearchResponse([]byte(raw)); ok {
			t.Errorf("parseSearchResponse(%q) accepted", raw)
		}
	}
}

func TestUDNFromUSN(t *testing.T) {
	if got := udnFromUSN(" uuid:Bridge-1_0-231::upnp:rootdevice "); got != "uuid:Bridge-1_0-231" {
		t.Errorf("udnFromUSN() = %q", got)
	}
	if got := udnFromUSN("uuid:plain"); got != "uuid:plain" {
		t.Errorf("udnFromUSN() = %q", got)
	}
}

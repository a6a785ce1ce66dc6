package wemo

import (
	"errors"
	"strings"
	"testing"
)

func TestSOAPActionHeader(t *testing.T) {
	got := SOAPActionHeader(ServiceBasicEvent, "SetBinaryState")
	want := `"urn:Belkin:service:basicevent:1#SetBinaryState"`
	if got != want {
		t.Errorf("SOAPActionHeader() = %s, want %s", got, want)
	}
}

func TestBuildEnvelope(t *testing.T) {
	body, err := BuildEnvelope(ServiceBasicEvent, "SetBinaryState", Args{
		"BinaryState": 1,
		"Duration":    "a<b",
		"Flag":        true,
	})
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}
	s := string(body)

	checks := []string{
		`<?xml version="1.0" encoding="utf-8"?>`,
		`s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"`,
		`<u:SetBinaryState xmlns:u="urn:Belkin:service:basicevent:1">`,
		`<BinaryState>1</BinaryState><Duration>a&lt;b</Duration><Flag>1</Flag>`,
		`</u:SetBinaryState></s:Body></s:Envelope>`,
	}
	for _, c := range checks {
		if !strings.Contains(s, c) {
			t.Errorf("envelope missing %q\n%s", c, s)
		}
	}
}

func TestBuildEnvelopeNestedAndRaw(t *testing.T) {
	body, err := BuildEnvelope(ServiceBridge, "SetDeviceStatus", Args{
		"DeviceStatusList": RawXML("<DeviceStatus><DeviceID>1</DeviceID></DeviceStatus>"),
		"Outer":            Args{"Inner": 5},
	})
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}
	s := string(body)
	if !strings.Contains(s, "<DeviceStatusList><DeviceStatus><DeviceID>1</DeviceID></DeviceStatus></DeviceStatusList>") {
		t.Errorf("raw XML was escaped:\n%s", s)
	}
	if !strings.Contains(s, "<Outer><Inner>5</Inner></Outer>") {
		t.Errorf("nested args missing:\n%s", s)
	}
}

func TestBuildEnvelopeErrors(t *testing.T) {
	if _, err := BuildEnvelope(ServiceBasicEvent, "", nil); !errors.Is(err, ErrProtocol) {
		t.Errorf("empty action error = %v, want ErrProtocol", err)
	}
	if _, err := BuildEnvelope(ServiceBasicEvent, "X", Args{"bad name": 1}); !errors.Is(err, ErrProtocol) {
		t.Errorf("bad arg name error = %v, want ErrProtocol", err)
	}
}

func TestBuildThenParseRoundTrip(t *testing.T) {
	// A device echoes the arguments back in its response.
	req, err := BuildEnvelope(ServiceBasicEvent, "GetFriendlyName", Args{"FriendlyName": "Kitchen & Hall"})
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}
	resp := strings.Replace(string(req), "<u:GetFriendlyName ", "<u:GetFriendlyNameResponse ", 1)
	resp = strings.Replace(resp, "</u:GetFriendlyName>", "</u:GetFriendlyNameResponse>", 1)

	got, err := ParseResponse("GetFriendlyName", []byte(resp))
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if got["FriendlyName"] != "Kitchen & Hall" {
		t.Errorf("FriendlyName = %q", got["FriendlyName"])
	}
}

func TestParseResponse(t *testing.T) {
	body := `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
 <s:Body>
  <u:GetBinaryStateResponse xmlns:u="urn:Belkin:service:basicevent:1">
   <BinaryState>8|1700000000|0|0|0|0|0|0|0|0|0</BinaryState>
   <Nested><a>1</a></Nested>
  </u:GetBinaryStateResponse>
 </s:Body>
</s:Envelope>`

	resp, err := ParseResponse("GetBinaryState", []byte(body))
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if resp["BinaryState"] != "8|1700000000|0|0|0|0|0|0|0|0|0" {
		t.Errorf("BinaryState = %q", resp["BinaryState"])
	}
	if resp["Nested"] != "<a>1</a>" {
		t.Errorf("Nested = %q, want raw inner XML", resp["Nested"])
	}
}

func TestParseResponseFault(t *testing.T) {
	body := `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>
<s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring>
<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>-1</errorCode><errorDescription>Invalid Action</errorDescription></UPnPError></detail>
</s:Fault></s:Body></s:Envelope>`

	_, err := ParseResponse("SetBinaryState", []byte(body))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("error = %v, want ErrProtocol", err)
	}
	var fault *SOAPFault
	if !errors.As(err, &fault) {
		t.Fatalf("error %v does not carry *SOAPFault", err)
	}
	if fault.UPnPCode != "-1" || fault.Description != "Invalid Action" || fault.String != "UPnPError" {
		t.Errorf("fault = %+v", fault)
	}
}

func TestParseResponseMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not envelope", "<html></html>"},
		{"wrong action", `<s:Envelope xmlns:s="x"><s:Body><u:OtherResponse/></s:Body></s:Envelope>`},
		{"empty body", `<s:Envelope xmlns:s="x"><s:Body></s:Body></s:Envelope>`},
		{"truncated", `<s:Envelope xmlns:s="x"><s:Body><u:GetBinaryStateResponse><BinaryState>1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseResponse("GetBinaryState", []byte(tt.body)); !errors.Is(err, ErrProtocol) {
				t.Errorf("error = %v, want ErrProtocol", err)
			}
		})
	}
}

func TestParseResponseSkipsHeader(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{
			name: "header before body",
			body: `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
<s:Header><t:Trace xmlns:t="urn:x"><id>7</id></t:Trace></s:Header>
<s:Body><u:GetBinaryStateResponse xmlns:u="urn:Belkin:service:basicevent:1"><BinaryState>1</BinaryState></u:GetBinaryStateResponse></s:Body>
</s:Envelope>`,
			want: "1",
		},
		{
			name: "empty header",
			body: `<s:Envelope xmlns:s="x"><s:Header/><s:Body><u:GetBinaryStateResponse><BinaryState>0</BinaryState></u:GetBinaryStateResponse></s:Body></s:Envelope>`,
			want: "0",
		},
		{
			name:    "header without body",
			body:    `<s:Envelope xmlns:s="x"><s:Header><a/></s:Header></s:Envelope>`,
			wantErr: true,
		},
		{
			name:    "two headers",
			body:    `<s:Envelope xmlns:s="x"><s:Header/><s:Header/><s:Body/></s:Envelope>`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseResponse("GetBinaryState", []byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrProtocol) {
					t.Fatalf("error = %v, want ErrProtocol", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResponse() error = %v", err)
			}
			if resp["BinaryState"] != tt.want {
				t.Errorf("BinaryState = %q, want %q", resp["BinaryState"], tt.want)
			}
		})
	}
}

func TestParsePropertySet(t *testing.T) {
	body := `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
<e:property><BinaryState>1</BinaryState></e:property>
<e:property><attributeList>&lt;attribute&gt;&lt;name&gt;Switch&lt;/name&gt;&lt;value&gt;0&lt;/value&gt;&lt;/attribute&gt;</attributeList></e:property>
</e:propertyset>`

	props, err := ParsePropertySet([]byte(body))
	if err != nil {
		t.Fatalf("ParsePropertySet() error = %v", err)
	}
	if len(props) != 2 {
		t.Fatalf("got %d properties, want 2", len(props))
	}
	if props[0] != (Property{Name: "BinaryState", Value: "1"}) {
		t.Errorf("props[0] = %+v", props[0])
	}
	if props[1].Name != "attributeList" || !strings.HasPrefix(props[1].Value, "<attribute>") {
		t.Errorf("props[1] = %+v", props[1])
	}
}

func TestParsePropertySetRejectsGarbage(t *testing.T) {
	if _, err := ParsePropertySet([]byte("not xml")); !errors.Is(err, ErrProtocol) {
		t.Errorf("error = %v, want ErrProtocol", err)
	}
}

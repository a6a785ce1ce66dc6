package wemo

import (
	"encoding/xml"
	"fmt"
	"html"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Family groups device types that report attributes the same way.
type Family string

// Device families.
const (
	FamilySwitch    Family = "switch"    // controllee, light switch, outdoor plug
	FamilyDimmer    Family = "dimmer"    // dimmer light switch
	FamilyInsight   Family = "insight"   // energy-metering plug
	FamilyMaker     Family = "maker"     // relay + sensor kit
	FamilyMotion    Family = "motion"    // motion sensor
	FamilyBridge    Family = "bridge"    // Link hub and its bulbs
	FamilyAppliance Family = "appliance" // coffee maker, crockpot, heater, humidifier, purifier
)

// Attribute names produced by the decoder.
const (
	AttrBinaryState   = "BinaryState"
	AttrBrightness    = "Brightness"
	AttrInsightParams = "InsightParams"
	AttrAttributeList = "attributeList"
	AttrStatusChange  = "StatusChange"
)

// Insight BinaryState values.
const (
	InsightOff     = 0
	InsightOn      = 1
	InsightStandby = 8
)

// AttributeUpdate is one normalised attribute change.
type AttributeUpdate struct {
	// SubDeviceID is set for updates about a device behind a hub.
	SubDeviceID string
	Name        string
	Value       any
}

// InsightParams is the decoded pipe-delimited Insight power report:
// state|lastChange|onFor|onToday|onTotal|timePeriod|wifiPower|currentMW|todayMW|totalMW|powerThreshold
type InsightParams struct {
	State          int
	LastChange     time.Time
	OnFor          int64 // seconds on in the current session
	OnToday        int64 // seconds on today
	OnTotal        int64 // seconds on over TimePeriod
	TimePeriod     int64 // seconds covered by OnTotal
	WifiPower      int64
	CurrentMW      float64 // instantaneous draw, milliwatts
	TodayMW        float64 // energy today, milliwatt-minutes
	TotalMW        float64 // energy over TimePeriod, milliwatt-minutes
	PowerThreshold float64 // standby threshold, milliwatts
	HasThreshold   bool    // false for 10-field reports from older firmware
}

// PowerW is the instantaneous draw in watts.
func (p InsightParams) PowerW() float64 { return p.CurrentMW / 1000 }

// TodayKWh converts TodayMW (mW·min) to kWh.
func (p InsightParams) TodayKWh() float64 { return p.TodayMW / 6e7 }

// TotalKWh converts TotalMW (mW·min) to kWh.
func (p InsightParams) TotalKWh() float64 { return p.TotalMW / 6e7 }

// Attribute is one entry of an attributeList.
type Attribute struct {
	Name  string
	Value any
}

// Decode normalises event properties for a device family.
func Decode(family Family, props []Property) []AttributeUpdate {
	var out []AttributeUpdate
	for _, p := range props {
		out = append(out, decodeProperty(family, p.Name, p.Value)...)
	}
	return out
}

// DecodeResponse normalises a polled SOAP response. Response children are
// visited in name order; GetDeviceStatus responses from a hub are expanded
// per sub-device.
func DecodeResponse(family Family, action string, resp Response) []AttributeUpdate {
	if action == "GetDeviceStatus" {
		if raw, ok := resp["DeviceStatusList"]; ok {
			return decodeDeviceStatusList(raw)
		}
	}

	names := make([]string, 0, len(resp))
	for name := range resp {
		names = append(names, name)
	}
	sort.Strings(names)

	props := make([]Property, 0, len(names))
	for _, name := range names {
		props = append(props, Property{Name: name, Value: resp[name]})
	}
	return Decode(family, props)
}

func decodeProperty(family Family, name, value string) []AttributeUpdate {
	switch name {
	case AttrBinaryState:
		return decodeBinaryState(family, value)
	case AttrInsightParams:
		ip, err := ParseInsightParams(value)
		if err != nil {
			return nil
		}
		return []AttributeUpdate{{Name: AttrInsightParams, Value: ip}}
	case AttrBrightness, "brightness":
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return []AttributeUpdate{{Name: AttrBrightness, Value: n}}
		}
		return nil
	case AttrAttributeList:
		attrs, err := ParseAttributeList(value)
		if err != nil {
			return nil
		}
		out := make([]AttributeUpdate, 0, len(attrs))
		for _, a := range attrs {
			out = append(out, AttributeUpdate{Name: a.Name, Value: a.Value})
		}
		return out
	case AttrStatusChange:
		if u, ok := decodeStatusChange(value); ok {
			return []AttributeUpdate{u}
		}
		return nil
	default:
		return []AttributeUpdate{{Name: name, Value: coerce(value)}}
	}
}

// decodeBinaryState reads the first pipe field. Insight plugs put the full
// InsightParams record in BinaryState; standby (8) is reported as on.
func decodeBinaryState(family Family, value string) []AttributeUpdate {
	value = strings.TrimSpace(value)
	if family == FamilyInsight && strings.Contains(value, "|") {
		ip, err := ParseInsightParams(value)
		if err != nil {
			return nil
		}
		state := ip.State
		if state == InsightStandby {
			state = InsightOn
		}
		return []AttributeUpdate{
			{Name: AttrBinaryState, Value: state},
			{Name: AttrInsightParams, Value: ip},
		}
	}

	first, _, _ := strings.Cut(value, "|")
	n, err := strconv.Atoi(first)
	if err != nil {
		return nil
	}
	if family == FamilyInsight && n == InsightStandby {
		n = InsightOn
	}
	return []AttributeUpdate{{Name: AttrBinaryState, Value: n}}
}

// ParseInsightParams parses the pipe-delimited Insight record. Older
// firmware omits the trailing power threshold.
func ParseInsightParams(value string) (InsightParams, error) {
	f := strings.Split(strings.TrimSpace(value), "|")
	if len(f) < 10 {
		return InsightParams{}, fmt.Errorf("%w: InsightParams has %d fields", ErrProtocol, len(f))
	}

	var (
		p   InsightParams
		err error
	)
	ints := []*int64{nil, nil, &p.OnFor, &p.OnToday, &p.OnTotal, &p.TimePeriod, &p.WifiPower}
	for i := 2; i < len(ints); i++ {
		if *ints[i], err = parseInt(f[i]); err != nil {
			return InsightParams{}, fmt.Errorf("%w: InsightParams field %d: %w", ErrProtocol, i, err)
		}
	}
	state, err := parseInt(f[0])
	if err != nil {
		return InsightParams{}, fmt.Errorf("%w: InsightParams state: %w", ErrProtocol, err)
	}
	p.State = int(state)

	changed, err := parseInt(f[1])
	if err != nil {
		return InsightParams{}, fmt.Errorf("%w: InsightParams lastChange: %w", ErrProtocol, err)
	}
	p.LastChange = time.Unix(changed, 0).UTC()

	floats := []*float64{&p.CurrentMW, &p.TodayMW, &p.TotalMW, &p.PowerThreshold}
	for i, dst := range floats {
		idx := 7 + i
		if idx >= len(f) {
			break
		}
		if *dst, err = strconv.ParseFloat(strings.TrimSpace(f[idx]), 64); err != nil {
			return InsightParams{}, fmt.Errorf("%w: InsightParams field %d: %w", ErrProtocol, idx, err)
		}
	}
	p.HasThreshold = len(f) > 10
	return p, nil
}

// EncodeInsightParams renders p in the device's pipe-delimited form. The
// threshold field is written only when HasThreshold is set.
func EncodeInsightParams(p InsightParams) string {
	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	fields := []string{
		strconv.Itoa(p.State),
		strconv.FormatInt(p.LastChange.Unix(), 10),
		strconv.FormatInt(p.OnFor, 10),
		strconv.FormatInt(p.OnToday, 10),
		strconv.FormatInt(p.OnTotal, 10),
		strconv.FormatInt(p.TimePeriod, 10),
		strconv.FormatInt(p.WifiPower, 10),
		ff(p.CurrentMW),
		ff(p.TodayMW),
		ff(p.TotalMW),
	}
	if p.HasThreshold {
		fields = append(fields, ff(p.PowerThreshold))
	}
	return strings.Join(fields, "|")
}

type attributeListXML struct {
	Attributes []struct {
		Name  string `xml:"name"`
		Value string `xml:"value"`
	} `xml:"attribute"`
}

// ParseAttributeList decodes an attributeList value. Devices send it
// HTML-escaped, sometimes twice, or percent-encoded.
func ParseAttributeList(value string) ([]Attribute, error) {
	raw := unescapeNested(value)

	var list attributeListXML
	if err := xml.Unmarshal([]byte("<attributeList>"+raw+"</attributeList>"), &list); err != nil {
		return nil, fmt.Errorf("%w: attributeList: %w", ErrProtocol, err)
	}

	out := make([]Attribute, 0, len(list.Attributes))
	for _, a := range list.Attributes {
		out = append(out, Attribute{Name: strings.TrimSpace(a.Name), Value: coerce(a.Value)})
	}
	return out, nil
}

// EncodeAttributeList renders attributes as unescaped attribute XML, the
// form ParseAttributeList accepts and SetAttributes expects as an argument.
func EncodeAttributeList(attrs []Attribute) string {
	var b strings.Builder
	for _, a := range attrs {
		b.WriteString("<attribute><name>")
		_ = xml.EscapeText(&b, []byte(a.Name)) //nolint:errcheck // strings.Builder never fails
		b.WriteString("</name><value>")
		_ = xml.EscapeText(&b, []byte(fmt.Sprint(a.Value))) //nolint:errcheck // strings.Builder never fails
		b.WriteString("</value></attribute>")
	}
	return b.String()
}

// unescapeNested strips up to three layers of HTML or percent encoding
// around embedded XML.
func unescapeNested(s string) string {
	s = strings.TrimSpace(s)
	for i := 0; i < 3; i++ {
		switch {
		case strings.Contains(s, "&lt;") || strings.Contains(s, "&amp;lt;"):
			s = html.UnescapeString(s)
		case strings.Contains(s, "%3C") || strings.Contains(s, "%3c"):
			u, err := url.QueryUnescape(s)
			if err != nil {
				return s
			}
			s = u
		default:
			return s
		}
	}
	return s
}

type stateEventXML struct {
	DeviceID     string `xml:"DeviceID"`
	CapabilityID string `xml:"CapabilityId"`
	Value        string `xml:"Value"`
}

// decodeStatusChange decodes a hub StateEvent into an update addressed to
// the sub-device.
func decodeStatusChange(value string) (AttributeUpdate, bool) {
	raw := stripXMLDecl(unescapeNested(value))
	var ev stateEventXML
	if err := xml.Unmarshal([]byte(raw), &ev); err != nil || ev.CapabilityID == "" {
		return AttributeUpdate{}, false
	}
	return AttributeUpdate{
		SubDeviceID: strings.TrimSpace(ev.DeviceID),
		Name:        strings.TrimSpace(ev.CapabilityID),
		Value:       coerce(ev.Value),
	}, true
}

type deviceStatusListXML struct {
	Statuses []struct {
		DeviceID        string `xml:"DeviceID"`
		CapabilityID    string `xml:"CapabilityID"`
		CapabilityValue string `xml:"CapabilityValue"`
	} `xml:"DeviceStatus"`
}

// decodeDeviceStatusList expands a hub GetDeviceStatus answer into one
// update per sub-device capability.
func decodeDeviceStatusList(value string) []AttributeUpdate {
	raw := stripXMLDecl(unescapeNested(value))
	var list deviceStatusListXML
	if err := xml.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}

	var out []AttributeUpdate
	for _, st := range list.Statuses {
		ids := strings.Split(st.CapabilityID, ",")
		vals := strings.Split(st.CapabilityValue, ",")
		for i, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" || i >= len(vals) || vals[i] == "" {
				continue
			}
			out = append(out, AttributeUpdate{
				SubDeviceID: strings.TrimSpace(st.DeviceID),
				Name:        id,
				Value:       coerce(vals[i]),
			})
		}
	}
	return out
}

func stripXMLDecl(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<?xml") {
		if end := strings.Index(s, "?>"); end >= 0 {
			return s[end+2:]
		}
	}
	return s
}

// coerce turns integer text into int and leaves everything else a string.
func coerce(s string) any {
	t := strings.TrimSpace(s)
	if n, err := strconv.Atoi(t); err == nil {
		return n
	}
	return s
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

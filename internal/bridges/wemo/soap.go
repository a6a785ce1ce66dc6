package wemo

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const (
	soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	soapEncodingNS = "http://schemas.xmlsoap.org/soap/encoding/"
)

// Args are the arguments of a SOAP action. Keys become child elements of
// the action element and are written in sorted order. Values may be
// strings, integers, floats, bools (written 0/1), nested Args, RawXML or
// anything with a String method.
type Args map[string]any

// RawXML is written into an envelope without escaping.
type RawXML string

// Response holds the children of an {action}Response element, keyed by
// element name. Values are entity-decoded text, or the raw inner XML when
// the child has element content of its own.
type Response map[string]string

// Property is one name/value pair from an event property set.
type Property struct {
	Name  string
	Value string
}

// SOAPActionHeader returns the quoted SOAPACTION header value.
func SOAPActionHeader(serviceType, action string) string {
	return `"` + serviceType + "#" + action + `"`
}

// BuildEnvelope renders a request envelope for action in the serviceType
// namespace.
func BuildEnvelope(serviceType, action string, args Args) ([]byte, error) {
	if action == "" {
		return nil, fmt.Errorf("%w: empty action", ErrProtocol)
	}

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="` + soapEnvelopeNS + `" s:encodingStyle="` + soapEncodingNS + `">`)
	buf.WriteString(`<s:Body>`)
	buf.WriteString(`<u:` + action + ` xmlns:u="`)
	if err := xml.EscapeText(&buf, []byte(serviceType)); err != nil {
		return nil, err
	}
	buf.WriteString(`">`)
	if err := writeArgs(&buf, args); err != nil {
		return nil, err
	}
	buf.WriteString(`</u:` + action + `>`)
	buf.WriteString(`</s:Body></s:Envelope>`)
	return buf.Bytes(), nil
}

func writeArgs(buf *bytes.Buffer, args Args) error {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "" || strings.ContainsAny(k, "<>&\"' ") {
			return fmt.Errorf("%w: invalid argument name %q", ErrProtocol, k)
		}
		buf.WriteString("<" + k + ">")
		if err := writeValue(buf, args[k]); err != nil {
			return fmt.Errorf("argument %s: %w", k, err)
		}
		buf.WriteString("</" + k + ">")
	}
	return nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	var text string
	switch val := v.(type) {
	case nil:
		return nil
	case Args:
		return writeArgs(buf, val)
	case map[string]any:
		return writeArgs(buf, Args(val))
	case RawXML:
		buf.WriteString(string(val))
		return nil
	case string:
		text = val
	case bool:
		text = "0"
		if val {
			text = "1"
		}
	case int:
		text = strconv.Itoa(val)
	case int64:
		text = strconv.FormatInt(val, 10)
	case int32:
		text = strconv.FormatInt(int64(val), 10)
	case uint:
		text = strconv.FormatUint(uint64(val), 10)
	case uint64:
		text = strconv.FormatUint(val, 10)
	case float64:
		text = strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		text = strconv.FormatFloat(float64(val), 'f', -1, 32)
	case fmt.Stringer:
		text = val.String()
	default:
		text = fmt.Sprint(val)
	}
	return xml.EscapeText(buf, []byte(text))
}

// ParseResponse extracts the {action}Response element from a response
// envelope. A SOAP Fault yields ErrProtocol wrapping a *SOAPFault.
func ParseResponse(action string, body []byte) (Response, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))

	if _, err := descend(dec, "Envelope"); err != nil {
		return nil, err
	}
	if err := skipHeader(dec); err != nil {
		return nil, err
	}

	start, err := nextStart(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: empty body: %w", ErrProtocol, err)
	}

	switch start.Name.Local {
	case "Fault":
		fault, err := parseFault(dec, start)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrProtocol, fault)
	case action + "Response":
		children, err := readChildren(dec)
		if err != nil {
			return nil, err
		}
		resp := make(Response, len(children))
		for _, c := range children {
			resp[c.Name] = c.Value
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("%w: expected %sResponse, got %s", ErrProtocol, action, start.Name.Local)
	}
}

// ParsePropertySet parses a NOTIFY body (e:propertyset > e:property > X)
// into properties in document order.
func ParsePropertySet(body []byte) ([]Property, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))

	if _, err := descend(dec, "propertyset"); err != nil {
		return nil, err
	}

	var props []Property
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return props, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading property set: %w", ErrProtocol, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "property" {
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
				}
				continue
			}
			children, err := readChildren(dec)
			if err != nil {
				return nil, err
			}
			props = append(props, children...)
		case xml.EndElement:
			return props, nil
		}
	}
}

// descend reads tokens until a start element named local (any namespace).
func descend(dec *xml.Decoder, local string) (xml.StartElement, error) {
	start, err := nextStart(dec)
	if err != nil {
		return xml.StartElement{}, fmt.Errorf("%w: missing %s: %w", ErrProtocol, local, err)
	}
	if start.Name.Local != local {
		return xml.StartElement{}, fmt.Errorf("%w: expected %s, got %s", ErrProtocol, local, start.Name.Local)
	}
	return start, nil
}

// skipHeader advances into Body, passing over an optional leading Header.
func skipHeader(dec *xml.Decoder) error {
	start, err := nextStart(dec)
	if err != nil {
		return fmt.Errorf("%w: missing Body: %w", ErrProtocol, err)
	}
	if start.Name.Local == "Header" {
		if err := dec.Skip(); err != nil {
			return fmt.Errorf("%w: reading Header: %w", ErrProtocol, err)
		}
		if start, err = nextStart(dec); err != nil {
			return fmt.Errorf("%w: missing Body: %w", ErrProtocol, err)
		}
	}
	if start.Name.Local != "Body" {
		return fmt.Errorf("%w: expected Body, got %s", ErrProtocol, start.Name.Local)
	}
	return nil
}

// nextStart returns the next start element at the current depth, or an
// error when the enclosing element ends first.
func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			return xml.StartElement{}, fmt.Errorf("unexpected end of %s", t.Name.Local)
		}
	}
}

// childValue captures both decoded text and raw inner XML.
type childValue struct {
	Text  string `xml:",chardata"`
	Inner string `xml:",innerxml"`
}

func (c childValue) value() string {
	inner := strings.TrimSpace(c.Inner)
	if strings.Contains(inner, "<") && !strings.HasPrefix(inner, "<![CDATA[") {
		return inner
	}
	return c.Text
}

// readChildren reads the child elements of the element just opened, up to
// and including its end tag.
func readChildren(dec *xml.Decoder) ([]Property, error) {
	var out []Property
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var cv childValue
			if err := dec.DecodeElement(&cv, &t); err != nil {
				return nil, fmt.Errorf("%w: decoding %s: %w", ErrProtocol, t.Name.Local, err)
			}
			out = append(out, Property{Name: t.Name.Local, Value: cv.value()})
		case xml.EndElement:
			return out, nil
		}
	}
}

type faultBody struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail struct {
		UPnPError struct {
			Code        string `xml:"errorCode"`
			Description string `xml:"errorDescription"`
		} `xml:"UPnPError"`
	} `xml:"detail"`
}

func parseFault(dec *xml.Decoder, start xml.StartElement) (*SOAPFault, error) {
	var fb faultBody
	if err := dec.DecodeElement(&fb, &start); err != nil {
		return nil, fmt.Errorf("%w: decoding fault: %w", ErrProtocol, err)
	}
	return &SOAPFault{
		Code:        strings.TrimSpace(fb.Code),
		String:      strings.TrimSpace(fb.String),
		UPnPCode:    strings.TrimSpace(fb.Detail.UPnPError.Code),
		Description: strings.TrimSpace(fb.Detail.UPnPError.Description),
	}, nil
}

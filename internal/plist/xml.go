package plist

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

func decodeXML(raw []byte) (Dict, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, errors.New("plist: no root value found")
		}
		if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local == "plist" {
			continue
		}
		v, err := parseValue(dec, se)
		if err != nil {
			return nil, err
		}
		d, ok := v.(Dict)
		if !ok {
			return nil, errors.New("plist: xml root value is not a dict")
		}
		return d, nil
	}
}

func parseValue(dec *xml.Decoder, se xml.StartElement) (interface{}, error) {
	switch se.Name.Local {
	case "dict":
		return parseDict(dec)
	case "array":
		return parseArray(dec)
	case "string":
		return readCharData(dec)
	case "integer":
		s, err := readCharData(dec)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "plist: parse integer")
		}
		return n, nil
	case "real":
		s, err := readCharData(dec)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, errors.Wrap(err, "plist: parse real")
		}
		return f, nil
	case "true":
		if _, err := readCharData(dec); err != nil {
			return nil, err
		}
		return true, nil
	case "false":
		if _, err := readCharData(dec); err != nil {
			return nil, err
		}
		return false, nil
	case "data":
		s, err := readCharData(dec)
		if err != nil {
			return nil, err
		}
		clean := strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' || r == '\t' || r == ' ' {
				return -1
			}
			return r
		}, s)
		b, err := base64.StdEncoding.DecodeString(clean)
		if err != nil {
			return nil, errors.Wrap(err, "plist: decode base64 data")
		}
		return b, nil
	case "date":
		s, err := readCharData(dec)
		if err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Wrap(err, "plist: parse date")
		}
		return t, nil
	default:
		return nil, errors.Errorf("plist: unsupported xml element <%s>", se.Name.Local)
	}
}

func readCharData(dec *xml.Decoder) (string, error) {
	var buf bytes.Buffer
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.Write(t)
		case xml.EndElement:
			return buf.String(), nil
		}
	}
}

func parseDict(dec *xml.Decoder) (Dict, error) {
	out := make(Dict)
	var curKey string
	haveKey := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "key" {
				k, err := readCharData(dec)
				if err != nil {
					return nil, err
				}
				curKey = k
				haveKey = true
				continue
			}
			v, err := parseValue(dec, t)
			if err != nil {
				return nil, err
			}
			if !haveKey {
				return nil, errors.New("plist: dict value without preceding key")
			}
			out[curKey] = v
			haveKey = false
		case xml.EndElement:
			if t.Name.Local == "dict" {
				return out, nil
			}
		}
	}
}

func parseArray(dec *xml.Decoder) ([]interface{}, error) {
	var out []interface{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := parseValue(dec, t)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		case xml.EndElement:
			if t.Name.Local == "array" {
				return out, nil
			}
		}
	}
}

package elastic

import (
	"encoding/json"
	"fmt"
	"strings"

	legacyproto "github.com/golang/protobuf/proto"
	telemetrypb "github.com/nleiva/xrgrpc/proto/telemetry"
	gnmipb "github.com/openconfig/gnmi/proto/gnmi"
	"google.golang.org/protobuf/proto"

	"github.com/c360/rtnm/envelope"
	"github.com/c360/rtnm/errors"
)

// Document is one storage record derived from an envelope
type Document struct {
	Index string
	Body  map[string]interface{}
}

// Decode turns an envelope into storage documents according to its protocol
// tag. One envelope may yield several documents: a dial-in payload carries a
// row per collection item, a streaming payload a row per update.
func Decode(e envelope.Envelope) ([]Document, error) {
	switch e.Protocol {
	case envelope.ProtocolDialIn:
		return decodeDialIn(e)
	case envelope.ProtocolGNMI:
		return decodeGNMI(e)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown protocol %q", errors.ErrFormatData, e.Protocol),
			"elastic", "Decode", "protocol dispatch")
	}
}

// decodeDialIn flattens the self-describing key/value payload into one flat
// document per collection row
func decodeDialIn(e envelope.Envelope) ([]Document, error) {
	var msg telemetrypb.Telemetry
	if err := legacyproto.Unmarshal(e.Payload, &msg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrFormatData, err),
			"elastic", "decodeDialIn", "telemetry unmarshal")
	}

	index := indexName(msg.GetEncodingPath())
	docs := make([]Document, 0, len(msg.GetDataGpbkv()))
	for _, row := range msg.GetDataGpbkv() {
		body := flattenFields(row.GetFields())
		body["encode_path"] = msg.GetEncodingPath()
		body["node"] = msg.GetNodeIdStr()
		body["device"] = e.Device
		body["version"] = e.Version
		docs = append(docs, Document{Index: index, Body: body})
	}
	return docs, nil
}

// flattenFields turns the nested field tree into a flat mapping. Nested
// children land under their field name; repeated children with the same
// name accumulate into an ordered list.
func flattenFields(fields []*telemetrypb.TelemetryField) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		name := f.GetName()
		if len(f.GetFields()) == 0 {
			out[name] = fieldValue(f)
			continue
		}

		child := flattenFields(f.GetFields())
		switch prev := out[name].(type) {
		case nil:
			out[name] = child
		case []interface{}:
			out[name] = append(prev, child)
		default:
			out[name] = []interface{}{prev, child}
		}
	}
	return out
}

func fieldValue(f *telemetrypb.TelemetryField) interface{} {
	switch v := f.GetValueByType().(type) {
	case *telemetrypb.TelemetryField_BytesValue:
		return v.BytesValue
	case *telemetrypb.TelemetryField_StringValue:
		return v.StringValue
	case *telemetrypb.TelemetryField_BoolValue:
		return v.BoolValue
	case *telemetrypb.TelemetryField_Uint32Value:
		return v.Uint32Value
	case *telemetrypb.TelemetryField_Uint64Value:
		return v.Uint64Value
	case *telemetrypb.TelemetryField_Sint32Value:
		return v.Sint32Value
	case *telemetrypb.TelemetryField_Sint64Value:
		return v.Sint64Value
	case *telemetrypb.TelemetryField_DoubleValue:
		return v.DoubleValue
	case *telemetrypb.TelemetryField_FloatValue:
		return v.FloatValue
	default:
		return nil
	}
}

// decodeGNMI turns a streaming update notification into one document per
// update, keyed by the full resource path
func decodeGNMI(e envelope.Envelope) ([]Document, error) {
	var resp gnmipb.SubscribeResponse
	if err := proto.Unmarshal(e.Payload, &resp); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrFormatData, err),
			"elastic", "decodeGNMI", "response unmarshal")
	}

	notification := resp.GetUpdate()
	if notification == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: response carries no update notification", errors.ErrFormatData),
			"elastic", "decodeGNMI", "notification extraction")
	}

	prefix, prefixKeys := pathElems(notification.GetPrefix())
	docs := make([]Document, 0, len(notification.GetUpdate()))
	for _, update := range notification.GetUpdate() {
		elems, updateKeys := pathElems(update.GetPath())

		// Each document gets its own key set: prefix keys first, then the
		// keys carried on this update's path.
		keys := make(map[string]string, len(prefixKeys)+len(updateKeys))
		for k, v := range prefixKeys {
			keys[k] = v
		}
		for k, v := range updateKeys {
			keys[k] = v
		}

		yangPath := strings.Join(append(prefix, elems...), "/")
		value, err := typedValue(update.GetVal())
		if err != nil {
			return nil, err
		}

		body := map[string]interface{}{
			"yang_path": yangPath,
			"keys":      keys,
			"node":      e.Hostname,
			"device":    e.Device,
			"version":   e.Version,
			"timestamp": notification.GetTimestamp() / int64(1000000),
		}
		body[leafName(yangPath)] = value
		docs = append(docs, Document{Index: indexName(yangPath), Body: body})
	}
	return docs, nil
}

func pathElems(p *gnmipb.Path) ([]string, map[string]string) {
	keys := make(map[string]string)
	elems := make([]string, 0, len(p.GetElem()))
	for _, elem := range p.GetElem() {
		elems = append(elems, elem.GetName())
		for k, v := range elem.GetKey() {
			keys[k] = v
		}
	}
	return elems, keys
}

// leafName labels the value column after the last two path segments
func leafName(yangPath string) string {
	parts := strings.Split(yangPath, "/")
	if len(parts) < 2 {
		return yangPath
	}
	return strings.Join(parts[len(parts)-2:], "-")
}

func typedValue(val *gnmipb.TypedValue) (interface{}, error) {
	switch v := val.GetValue().(type) {
	case *gnmipb.TypedValue_JsonIetfVal:
		return decodeJSONValue(v.JsonIetfVal)
	case *gnmipb.TypedValue_JsonVal:
		return decodeJSONValue(v.JsonVal)
	case *gnmipb.TypedValue_StringVal:
		return v.StringVal, nil
	case *gnmipb.TypedValue_IntVal:
		return v.IntVal, nil
	case *gnmipb.TypedValue_UintVal:
		return v.UintVal, nil
	case *gnmipb.TypedValue_BoolVal:
		return v.BoolVal, nil
	case *gnmipb.TypedValue_DoubleVal:
		return v.DoubleVal, nil
	case *gnmipb.TypedValue_AsciiVal:
		return v.AsciiVal, nil
	case nil:
		return nil, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unsupported value type %T", errors.ErrFormatData, v),
			"elastic", "typedValue", "value extraction")
	}
}

func decodeJSONValue(raw []byte) (interface{}, error) {
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrFormatData, err),
			"elastic", "decodeJSONValue", "json value parse")
	}
	return out, nil
}

// indexName derives the storage index from a resource path. Index names
// must be lowercase and may not contain path or module separators.
func indexName(path string) string {
	name := strings.ToLower(path)
	name = strings.ReplaceAll(name, "/", "-")
	return strings.ReplaceAll(name, ":", "-")
}

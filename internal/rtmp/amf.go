package rtmp

import (
	"bytes"
	"fmt"

	"github.com/yutopp/go-amf0"
)

// encodeCommand serializes an AMF0 command: name, transaction ID, command
// object and arguments
func encodeCommand(name string, transactionID int, commandObject interface{}, args ...interface{}) ([]byte, error) {
	values := make([]interface{}, 0, 3+len(args))
	values = append(values, name, float64(transactionID), commandObject)
	values = append(values, args...)
	return encodeValues(values...)
}

// encodeData serializes an AMF0 data message: handler name and arguments
func encodeData(handler string, args ...interface{}) ([]byte, error) {
	return encodeValues(append([]interface{}{handler}, args...)...)
}

func encodeValues(values ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	for _, v := range values {
		if err := enc.Encode(normalize(v)); err != nil {
			return nil, fmt.Errorf("amf0 encode %T: %w", v, err)
		}
	}
	return buf.Bytes(), nil
}

// normalize turns Go numbers into float64, the only AMF0 number type
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(n))
		for k, e := range n {
			out[k] = normalize(e)
		}
		return out
	case amf0.ECMAArray:
		out := make(amf0.ECMAArray, len(n))
		for k, e := range n {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// decodeValues decodes every AMF0 value in payload
func decodeValues(payload []byte) ([]interface{}, error) {
	r := bytes.NewReader(payload)
	dec := amf0.NewDecoder(r)
	var values []interface{}
	for r.Len() > 0 {
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return values, fmt.Errorf("amf0 decode value %d: %w", len(values), err)
		}
		values = append(values, v)
	}
	return values, nil
}

// command is a decoded AMF0 command message
type command struct {
	Name          string
	TransactionID int
	Object        interface{}
	Args          []interface{}
}

func decodeCommand(payload []byte) (*command, error) {
	values, err := decodeValues(payload)
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("command has %d values", len(values))
	}
	name, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("command name is %T", values[0])
	}
	txID, ok := values[1].(float64)
	if !ok {
		return nil, fmt.Errorf("transaction id is %T", values[1])
	}
	cmd := &command{Name: name, TransactionID: int(txID)}
	if len(values) > 2 {
		cmd.Object = values[2]
		cmd.Args = values[3:]
	}
	return cmd, nil
}

// asObject returns v as a string-keyed map for both AMF0 objects and ECMA arrays
func asObject(v interface{}) (map[string]interface{}, bool) {
	switch o := v.(type) {
	case map[string]interface{}:
		return o, true
	case amf0.ECMAArray:
		return map[string]interface{}(o), true
	default:
		return nil, false
	}
}

package core

import "fmt"

// MaxDepth bounds recursive size computation.
const MaxDepth = 1000

// MaxRatio is the maximum allowed ratio of with-keys to without-keys length.
const MaxRatio = 3

// TempDataPrice is the per-byte price of declared temp_data length.
const TempDataPrice = 1

// GetLength counts the commission byte-size of v the way the wire protocol
// does: strings by UTF-16 code unit count, numbers as 8 bytes, booleans as 1
// byte, arrays/objects recursively. depth starts at 0 at the top call; any
// value nested deeper than MaxDepth fails the caller with a JointError
// instead of overflowing the Go call stack.
func GetLength(v interface{}, withKeys bool, depth int) (int64, error) {
	if depth > MaxDepth {
		return 0, jointErr("objectsize.GetLength", "payload size computation failed: depth exceeds limit", nil)
	}
	switch val := v.(type) {
	case nil:
		return 0, nil
	case bool:
		return 1, nil
	case string:
		return int64(utf16Len(val)), nil
	case float64, int, int64, int32, uint64:
		return 8, nil
	case []byte:
		return int64(len(val)), nil
	case map[string]interface{}:
		var total int64
		for k, e := range val {
			if withKeys {
				total += int64(utf16Len(k))
			}
			n, err := GetLength(e, withKeys, depth+1)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	case []interface{}:
		var total int64
		for _, e := range val {
			n, err := GetLength(e, withKeys, depth+1)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	default:
		return 0, jointErr("objectsize.GetLength", fmt.Sprintf("unsupported value type %T", v), nil)
	}
}

// utf16Len approximates the JS "string length" (UTF-16 code units) used by
// the wire protocol's original commission accounting.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r > 0xFFFF {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// Ratio computes length_with_keys / length_without_keys for obj, used to
// reject suspiciously key-heavy units.
func Ratio(obj interface{}) (float64, error) {
	withKeys, err := GetLength(obj, true, 0)
	if err != nil {
		return 0, err
	}
	withoutKeys, err := GetLength(obj, false, 0)
	if err != nil {
		return 0, err
	}
	if withoutKeys == 0 {
		return 0, nil
	}
	return float64(withKeys) / float64(withoutKeys), nil
}

// TotalPayloadSize computes ceil(temp_data_length * TEMP_DATA_PRICE) +
// getLength({messages: stripped_messages}, with_keys), the value that must
// equal a unit's declared payload_commission.
func TotalPayloadSize(strippedMessages []interface{}, tempDataLength int64, withKeys bool) (int64, error) {
	wrapper := map[string]interface{}{"messages": toInterfaceSlice(strippedMessages)}
	msgLen, err := GetLength(wrapper, withKeys, 0)
	if err != nil {
		return 0, err
	}
	return tempDataLength*TempDataPrice + msgLen, nil
}

func toInterfaceSlice(in []interface{}) []interface{} {
	if in == nil {
		return []interface{}{}
	}
	return in
}

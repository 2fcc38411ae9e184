// Package tokentest builds malformed continuation tokens for tests, mirroring the
// alternate encodings some transports produce.
package tokentest

import (
	"fmt"
	"strconv"

	"howett.net/plist"
)

const (
	altPropPrefix = "__nsurlrequest_proto_prop_obj_"
	altPropsKey   = "__nsurlrequest_proto_props"
	altRootKey    = "NSKeyedArchiveRootObjectKey"
	rootKey       = "root"

	currentRequestKey  = "NSURLSessionResumeCurrentRequest"
	originalRequestKey = "NSURLSessionResumeOriginalRequest"
)

// Options controls how a canonical request archive is rewritten.
type Options struct {
	// Keep is the number of leading canonical $<i> keys left untouched; the rest
	// are renamed to the alternate per-field scheme starting at index 0.
	Keep int
	// Props adds a singular alternate snapshot key pointing to an extra object.
	Props bool
	// AltRoot renames the root reference in $top to the alternate root key.
	AltRoot bool
}

// AlternateArchive rewrites a canonical binary request archive into the
// alternate key naming scheme.
func AlternateArchive(data []byte, opts Options) ([]byte, error) {
	tree, err := decodeDict(data)
	if err != nil {
		return nil, err
	}

	objects, ok := tree["$objects"].([]interface{})
	if !ok || len(objects) < 2 {
		return nil, fmt.Errorf("archive has no primary entry")
	}

	primary, ok := objects[1].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("primary entry is %T", objects[1])
	}

	n := 0
	for {
		if _, ok := primary["$"+strconv.Itoa(n)]; !ok {
			break
		}
		n++
	}

	if opts.Keep > n {
		return nil, fmt.Errorf("cannot keep %d of %d properties", opts.Keep, n)
	}

	for i := opts.Keep; i < n; i++ {
		key := "$" + strconv.Itoa(i)
		primary[altPropPrefix+strconv.Itoa(i-opts.Keep)] = primary[key]
		delete(primary, key)
	}

	if opts.Props {
		objects = append(objects, map[string]interface{}{
			"$classname": "__NSURLRequestProtoProps",
			"$classes":   []interface{}{"__NSURLRequestProtoProps", "NSObject"},
		})
		cls := plist.UID(len(objects) - 1)

		objects = append(objects, map[string]interface{}{"$class": cls})
		primary[altPropsKey] = plist.UID(len(objects) - 1)
		tree["$objects"] = objects
	}

	if opts.AltRoot {
		top, ok := tree["$top"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("archive has no $top table")
		}

		top[altRootKey] = top[rootKey]
		delete(top, rootKey)
	}

	return plist.Marshal(tree, plist.BinaryFormat)
}

// AlternateToken rewrites both embedded request archives of a canonical token.
func AlternateToken(token []byte, opts Options) ([]byte, error) {
	dict, err := decodeDict(token)
	if err != nil {
		return nil, err
	}

	for _, key := range []string{currentRequestKey, originalRequestKey} {
		data, ok := dict[key].([]byte)
		if !ok {
			continue
		}

		alt, err := AlternateArchive(data, opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}

		dict[key] = alt
	}

	return plist.Marshal(dict, plist.XMLFormat)
}

// ArchivedToken wraps a resume dictionary in a keyed archive whose root is an
// NSDictionary, as some transports do.
func ArchivedToken(token []byte, altRoot bool) ([]byte, error) {
	dict, err := decodeDict(token)
	if err != nil {
		return nil, err
	}

	objects := []interface{}{"$null", nil}
	add := func(v interface{}) plist.UID {
		objects = append(objects, v)
		return plist.UID(len(objects) - 1)
	}

	keys := make([]interface{}, 0, len(dict))
	values := make([]interface{}, 0, len(dict))

	for k, v := range dict {
		keys = append(keys, add(k))
		values = append(values, add(v))
	}

	cls := add(map[string]interface{}{
		"$classname": "NSMutableDictionary",
		"$classes":   []interface{}{"NSMutableDictionary", "NSDictionary", "NSObject"},
	})

	objects[1] = map[string]interface{}{
		"$class":     cls,
		"NS.keys":    keys,
		"NS.objects": values,
	}

	top := rootKey
	if altRoot {
		top = altRootKey
	}

	return plist.Marshal(map[string]interface{}{
		"$archiver": "NSKeyedArchiver",
		"$version":  100000,
		"$top":      map[string]interface{}{top: plist.UID(1)},
		"$objects":  objects,
	}, plist.BinaryFormat)
}

func decodeDict(data []byte) (map[string]interface{}, error) {
	var v interface{}
	if _, err := plist.Unmarshal(data, &v); err != nil {
		return nil, err
	}

	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("property list root is %T", v)
	}

	return dict, nil
}

// Package resumetoken decodes, repairs and encodes continuation tokens: the
// property-list resume dictionaries a transport emits when a transfer is paused.
//
// Some encoders write the embedded request snapshots with an alternate key naming
// scheme (`__nsurlrequest_proto_prop_obj_<i>`, `__nsurlrequest_proto_props`) and
// an alternate root key (`NSKeyedArchiveRootObjectKey`). Such tokens fail the
// canonical decoder. Repair rewrites them into the canonical `$<n>` / `root` form.
package resumetoken

import (
	"fmt"

	"howett.net/plist"
)

// Repair normalises a continuation token. Canonical tokens are returned unchanged.
// Otherwise the resume dictionary is unwrapped, both embedded request archives are
// repaired and the result is re-encoded canonically. The returned token always
// passes DecodeResumeData; any failure yields a *CorruptError.
func Repair(token []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, corrupt("repair", fmt.Sprint(r), nil)
		}
	}()

	if len(token) == 0 {
		return nil, corrupt("decode", "empty token", nil)
	}

	if _, err := DecodeResumeData(token); err == nil {
		return token, nil
	}

	dict, _, err := decodeResumeDictionary(token)
	if err != nil {
		return nil, corrupt("decode", "not a resume dictionary", err)
	}

	for _, key := range []string{KeyCurrentRequest, KeyOriginalRequest} {
		raw, ok := dict[key]
		if !ok {
			continue
		}

		data, ok := raw.([]byte)
		if !ok {
			return nil, corrupt("repair", fmt.Sprintf("%s is %T, not data", key, raw), nil)
		}

		fixed, err := RepairArchive(data)
		if err != nil {
			return nil, corrupt("repair", "failed to repair "+key, err)
		}

		dict[key] = fixed
	}

	out, err = plist.Marshal(dict, plist.XMLFormat)
	if err != nil {
		return nil, corrupt("encode", "failed to encode resume dictionary", err)
	}

	if _, err := DecodeResumeData(out); err != nil {
		return nil, corrupt("verify", "repaired token is not canonical", err)
	}

	return out, nil
}

// RepairArchive normalises a single request archive. Canonical archives are
// returned unchanged. Alternate per-field keys are renamed to the next free
// canonical indexes in order, followed by the singular snapshot key, and the
// alternate root key is renamed to RootKey.
func RepairArchive(data []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, corrupt("repair", fmt.Sprint(r), nil)
		}
	}()

	if len(data) == 0 {
		return nil, corrupt("decode", "empty archive", nil)
	}

	if _, err := DecodeRequest(data); err == nil {
		return data, nil
	}

	a, err := decodeArchive(data)
	if err != nil {
		return nil, corrupt("decode", "not a keyed archive", err)
	}

	primary, ok := a.primary()
	if !ok {
		return nil, corrupt("repair", "archive has no primary entry", nil)
	}

	k := 0
	for {
		if _, ok := primary[propKey(k)]; !ok {
			break
		}
		k++
	}

	rename := func(from, to string) error {
		if _, taken := primary[to]; taken {
			return corrupt("repair", fmt.Sprintf("cannot rename %s: %s already present", from, to), nil)
		}

		primary[to] = primary[from]
		delete(primary, from)

		return nil
	}

	i := 0
	for {
		key := altPropKey(i)
		if _, ok := primary[key]; !ok {
			break
		}

		if err := rename(key, propKey(i+k)); err != nil {
			return nil, err
		}
		i++
	}

	if _, ok := primary[AltPropsKey]; ok {
		if err := rename(AltPropsKey, propKey(i+k)); err != nil {
			return nil, err
		}
	}

	top, _ := a.top()
	if ref, ok := top[AltRootKey]; ok {
		top[RootKey] = ref
		delete(top, AltRootKey)
	}

	out, err = plist.Marshal(map[string]interface{}(a), plist.BinaryFormat)
	if err != nil {
		return nil, corrupt("encode", "failed to encode archive", err)
	}

	if _, err := DecodeRequest(out); err != nil {
		return nil, corrupt("verify", "repaired archive is not canonical", err)
	}

	return out, nil
}

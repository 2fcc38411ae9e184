package resumetoken

import (
	"fmt"

	"howett.net/plist"
)

// Keys of the resume dictionary.
const (
	KeyDownloadURL     = "NSURLSessionDownloadURL"
	KeyBytesReceived   = "NSURLSessionResumeBytesReceived"
	KeyTempFileName    = "NSURLSessionResumeInfoTempFileName"
	KeyEntityTag       = "NSURLSessionResumeEntityTag"
	KeyInfoVersion     = "NSURLSessionResumeInfoVersion"
	KeyCurrentRequest  = "NSURLSessionResumeCurrentRequest"
	KeyOriginalRequest = "NSURLSessionResumeOriginalRequest"

	infoVersion = 2
)

// ResumeData is the decoded form of a continuation token.
type ResumeData struct {
	DownloadURL     string
	BytesReceived   int64
	TempFileName    string
	EntityTag       string
	InfoVersion     int64
	CurrentRequest  *Request
	OriginalRequest *Request
}

// URL returns the address the transfer should continue from.
func (d *ResumeData) URL() string {
	switch {
	case d.OriginalRequest != nil && d.OriginalRequest.URL != "":
		return d.OriginalRequest.URL
	case d.CurrentRequest != nil && d.CurrentRequest.URL != "":
		return d.CurrentRequest.URL
	default:
		return d.DownloadURL
	}
}

// DecodeResumeData decodes a canonical continuation token: a plain property list
// dictionary whose embedded request snapshots are canonical request archives.
func DecodeResumeData(token []byte) (*ResumeData, error) {
	dict, archived, err := decodeResumeDictionary(token)
	if err != nil {
		return nil, corrupt("decode", "not a resume dictionary", err)
	}

	if archived {
		return nil, corrupt("decode", "resume dictionary is wrapped in a keyed archive", nil)
	}

	d := &ResumeData{}
	d.DownloadURL, _ = dict[KeyDownloadURL].(string)
	d.TempFileName, _ = dict[KeyTempFileName].(string)
	d.EntityTag, _ = dict[KeyEntityTag].(string)
	d.BytesReceived, _ = toInt64(dict[KeyBytesReceived])
	d.InfoVersion, _ = toInt64(dict[KeyInfoVersion])

	if d.CurrentRequest, err = requestField(dict, KeyCurrentRequest); err != nil {
		return nil, err
	}

	if d.OriginalRequest, err = requestField(dict, KeyOriginalRequest); err != nil {
		return nil, err
	}

	if d.URL() == "" {
		return nil, corrupt("decode", "token carries no download URL", nil)
	}

	if d.BytesReceived < 0 {
		return nil, corrupt("decode", fmt.Sprintf("negative byte count %d", d.BytesReceived), nil)
	}

	return d, nil
}

func requestField(dict map[string]interface{}, key string) (*Request, error) {
	raw, ok := dict[key]
	if !ok {
		return nil, nil
	}

	data, ok := raw.([]byte)
	if !ok {
		return nil, corrupt("decode", fmt.Sprintf("%s is %T, not data", key, raw), nil)
	}

	req, err := DecodeRequest(data)
	if err != nil {
		return nil, corrupt("decode", key+" is not a canonical request archive", err)
	}

	return req, nil
}

// EncodeResumeData encodes d as a canonical continuation token.
func EncodeResumeData(d *ResumeData) ([]byte, error) {
	dict := map[string]interface{}{
		KeyBytesReceived: d.BytesReceived,
		KeyInfoVersion:   int64(infoVersion),
	}

	if d.InfoVersion != 0 {
		dict[KeyInfoVersion] = d.InfoVersion
	}

	if d.DownloadURL != "" {
		dict[KeyDownloadURL] = d.DownloadURL
	}

	if d.TempFileName != "" {
		dict[KeyTempFileName] = d.TempFileName
	}

	if d.EntityTag != "" {
		dict[KeyEntityTag] = d.EntityTag
	}

	for key, req := range map[string]*Request{
		KeyCurrentRequest:  d.CurrentRequest,
		KeyOriginalRequest: d.OriginalRequest,
	} {
		if req == nil {
			continue
		}

		data, err := EncodeRequest(req)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", key, err)
		}

		dict[key] = data
	}

	out, err := plist.Marshal(dict, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resume dictionary: %w", err)
	}

	return out, nil
}

// decodeResumeDictionary returns the flat resume dictionary carried by token and
// whether it had to be unwrapped from a keyed archive.
func decodeResumeDictionary(token []byte) (map[string]interface{}, bool, error) {
	var v interface{}
	if _, err := plist.Unmarshal(token, &v); err != nil {
		return nil, false, fmt.Errorf("failed to decode property list: %w", err)
	}

	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, false, fmt.Errorf("property list root is %T, not a dictionary", v)
	}

	if _, ok := dict[keyArchiver]; !ok {
		return dict, false, nil
	}

	a := archive(dict)
	if _, ok := a.objects(); !ok {
		return nil, true, fmt.Errorf("archive has no %s table", keyObjects)
	}

	top, ok := a.top()
	if !ok {
		return nil, true, fmt.Errorf("archive has no %s table", keyTop)
	}

	rootRef, ok := top[RootKey]
	if !ok {
		rootRef, ok = top[AltRootKey]
	}

	if !ok {
		return nil, true, fmt.Errorf("archive has no root reference")
	}

	root, err := a.resolve(rootRef)
	if err != nil {
		return nil, true, fmt.Errorf("failed to resolve root object: %w", err)
	}

	rootDict, ok := root.(map[string]interface{})
	if !ok {
		return nil, true, fmt.Errorf("root object is %T, not a dictionary", root)
	}

	flat, err := a.flattenDictionary(rootDict)
	if err != nil {
		return nil, true, err
	}

	return flat, true, nil
}

// flattenDictionary resolves an archived NSDictionary one level deep.
func (a archive) flattenDictionary(obj map[string]interface{}) (map[string]interface{}, error) {
	keys, _ := obj[keyDictKeys].([]interface{})
	values, _ := obj[keyDictObjects].([]interface{})

	if len(keys) != len(values) {
		return nil, fmt.Errorf("dictionary has %d keys but %d values", len(keys), len(values))
	}

	out := make(map[string]interface{}, len(keys))

	for i := range keys {
		k, err := a.resolve(keys[i])
		if err != nil {
			return nil, fmt.Errorf("failed to resolve dictionary key: %w", err)
		}

		name, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("dictionary key is %T, not a string", k)
		}

		v, err := a.resolve(values[i])
		if err != nil {
			return nil, fmt.Errorf("failed to resolve value of %s: %w", name, err)
		}

		if v != nil {
			out[name] = v
		}
	}

	return out, nil
}

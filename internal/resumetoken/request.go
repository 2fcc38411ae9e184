package resumetoken

import (
	"fmt"
	"net/url"
	"sort"

	"howett.net/plist"
)

const (
	classRequest        = "NSURLRequest"
	classMutableRequest = "NSMutableURLRequest"
	classURL            = "NSURL"
	classDictionary     = "NSDictionary"
	classMutableDict    = "NSMutableDictionary"
	classObject         = "NSObject"

	keyURLBase     = "NS.base"
	keyURLRelative = "NS.relative"
	keyDictKeys    = "NS.keys"
	keyDictObjects = "NS.objects"
)

// Request is a snapshot of the HTTP request a transfer was issued with.
type Request struct {
	URL    string
	Method string
	Header map[string]string
}

// DecodeRequest decodes a canonical request archive. Archives still using the
// alternate key naming scheme are rejected; run them through RepairArchive first.
func DecodeRequest(data []byte) (*Request, error) {
	a, err := decodeArchive(data)
	if err != nil {
		return nil, err
	}

	return a.request()
}

func (a archive) request() (*Request, error) {
	if name, _ := a[keyArchiver].(string); name != archiverName {
		return nil, fmt.Errorf("unexpected archiver %q", name)
	}

	if a.hasAlternateKeys() {
		return nil, fmt.Errorf("archive uses alternate key names")
	}

	top, _ := a.top()

	rootRef, ok := top[RootKey]
	if !ok {
		return nil, fmt.Errorf("archive has no %q root reference", RootKey)
	}

	root, err := a.resolve(rootRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root object: %w", err)
	}

	obj, ok := root.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("root object is %T, not a dictionary", root)
	}

	class, err := a.className(obj)
	if err != nil {
		return nil, err
	}

	if class != classRequest && class != classMutableRequest {
		return nil, fmt.Errorf("root object is a %s, not a request", class)
	}

	req := &Request{}

	for i := 0; ; i++ {
		ref, ok := obj[propKey(i)]
		if !ok {
			break
		}

		prop, err := a.resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve property %s: %w", propKey(i), err)
		}

		if err := a.applyProperty(req, prop); err != nil {
			return nil, fmt.Errorf("invalid property %s: %w", propKey(i), err)
		}
	}

	if req.URL == "" {
		return nil, fmt.Errorf("request has no URL")
	}

	if req.Method == "" {
		req.Method = "GET"
	}

	return req, nil
}

// applyProperty assigns a resolved property by its shape. Unknown property kinds
// are skipped so snapshots carrying extra transport fields still decode.
func (a archive) applyProperty(req *Request, prop interface{}) error {
	switch v := prop.(type) {
	case string:
		if req.Method == "" {
			req.Method = v
		}
	case map[string]interface{}:
		class, err := a.className(v)
		if err != nil {
			return nil
		}

		switch class {
		case classURL:
			if req.URL != "" {
				return nil
			}

			u, err := a.decodeURL(v)
			if err != nil {
				return err
			}

			req.URL = u
		case classDictionary, classMutableDict:
			header, err := a.decodeStringDictionary(v)
			if err != nil {
				return err
			}

			req.Header = header
		}
	}

	return nil
}

func (a archive) decodeURL(obj map[string]interface{}) (string, error) {
	rel, err := a.resolve(obj[keyURLRelative])
	if err != nil {
		return "", fmt.Errorf("failed to resolve URL: %w", err)
	}

	relative, ok := rel.(string)
	if !ok {
		return "", fmt.Errorf("URL value is %T, not a string", rel)
	}

	baseRef, ok := obj[keyURLBase]
	if !ok {
		return relative, nil
	}

	base, err := a.resolve(baseRef)
	if err != nil || base == nil {
		return relative, nil
	}

	baseObj, ok := base.(map[string]interface{})
	if !ok {
		return relative, nil
	}

	baseURL, err := a.decodeURL(baseObj)
	if err != nil {
		return "", err
	}

	b, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	r, err := url.Parse(relative)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return b.ResolveReference(r).String(), nil
}

func (a archive) decodeStringDictionary(obj map[string]interface{}) (map[string]string, error) {
	keys, _ := obj[keyDictKeys].([]interface{})
	values, _ := obj[keyDictObjects].([]interface{})

	if len(keys) != len(values) {
		return nil, fmt.Errorf("dictionary has %d keys but %d values", len(keys), len(values))
	}

	out := make(map[string]string, len(keys))

	for i := range keys {
		k, err := a.resolve(keys[i])
		if err != nil {
			return nil, err
		}

		v, err := a.resolve(values[i])
		if err != nil {
			return nil, err
		}

		ks, kok := k.(string)
		vs, vok := v.(string)

		if kok && vok {
			out[ks] = vs
		}
	}

	return out, nil
}

// EncodeRequest encodes r as a canonical binary request archive.
func EncodeRequest(r *Request) ([]byte, error) {
	if r == nil || r.URL == "" {
		return nil, fmt.Errorf("request has no URL")
	}

	b := newArchiveBuilder()
	root := b.reserve()

	rel := b.add(r.URL)
	urlObj := b.add(map[string]interface{}{
		keyClass:       b.class(classURL, classObject),
		keyURLBase:     plist.UID(0),
		keyURLRelative: rel,
	})

	method := r.Method
	if method == "" {
		method = "GET"
	}

	obj := map[string]interface{}{
		propKey(0): urlObj,
		propKey(1): b.add(method),
	}

	if len(r.Header) > 0 {
		obj[propKey(2)] = b.addStringDictionary(r.Header)
	}

	obj[keyClass] = b.class(classMutableRequest, classRequest, classObject)
	b.set(root, obj)

	return b.encode(root, plist.BinaryFormat)
}

func (b *archiveBuilder) addStringDictionary(m map[string]string) plist.UID {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}

	sort.Strings(names)

	keys := make([]interface{}, 0, len(names))
	values := make([]interface{}, 0, len(names))

	for _, k := range names {
		keys = append(keys, b.add(k))
		values = append(values, b.add(m[k]))
	}

	return b.add(map[string]interface{}{
		keyClass:       b.class(classMutableDict, classDictionary, classObject),
		keyDictKeys:    keys,
		keyDictObjects: values,
	})
}

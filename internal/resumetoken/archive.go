package resumetoken

import (
	"fmt"
	"strconv"
	"strings"

	"howett.net/plist"
)

const (
	archiverName   = "NSKeyedArchiver"
	archiveVersion = 100000

	keyArchiver  = "$archiver"
	keyVersion   = "$version"
	keyTop       = "$top"
	keyObjects   = "$objects"
	keyClass     = "$class"
	keyClassName = "$classname"
	keyClasses   = "$classes"
	nullObject   = "$null"

	// RootKey is the canonical name of the root reference in $top.
	RootKey = "root"
	// AltRootKey is the root reference name some encoders emit instead of RootKey.
	AltRootKey = "NSKeyedArchiveRootObjectKey"

	// AltPropPrefix prefixes the per-field keys of the alternate naming scheme.
	AltPropPrefix = "__nsurlrequest_proto_prop_obj_"
	// AltPropsKey holds a whole request snapshot under the alternate naming scheme.
	AltPropsKey = "__nsurlrequest_proto_props"

	primaryIndex = 1
)

// archive is the generic property tree of a keyed archive: a dictionary holding
// an object table ($objects) and a root reference table ($top).
type archive map[string]interface{}

func decodeArchive(data []byte) (archive, error) {
	var v interface{}
	if _, err := plist.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode property list: %w", err)
	}

	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("property list root is %T, not a dictionary", v)
	}

	a := archive(dict)

	if _, ok := a.objects(); !ok {
		return nil, fmt.Errorf("archive has no %s table", keyObjects)
	}

	if _, ok := a.top(); !ok {
		return nil, fmt.Errorf("archive has no %s table", keyTop)
	}

	return a, nil
}

func (a archive) objects() ([]interface{}, bool) {
	objs, ok := a[keyObjects].([]interface{})
	return objs, ok
}

func (a archive) top() (map[string]interface{}, bool) {
	top, ok := a[keyTop].(map[string]interface{})
	return top, ok
}

// primary returns the first real entry of the object table, the one holding the
// archived object's own properties.
func (a archive) primary() (map[string]interface{}, bool) {
	objs, ok := a.objects()
	if !ok || len(objs) <= primaryIndex {
		return nil, false
	}

	entry, ok := objs[primaryIndex].(map[string]interface{})

	return entry, ok
}

// resolve follows a UID reference into the object table.
func (a archive) resolve(ref interface{}) (interface{}, error) {
	uid, ok := ref.(plist.UID)
	if !ok {
		return nil, fmt.Errorf("expected object reference, got %T", ref)
	}

	objs, _ := a.objects()
	if uint64(uid) >= uint64(len(objs)) {
		return nil, fmt.Errorf("object reference %d out of range (%d objects)", uid, len(objs))
	}

	obj := objs[uid]
	if s, ok := obj.(string); ok && s == nullObject {
		return nil, nil
	}

	return obj, nil
}

// className resolves the $class reference of an archived object.
func (a archive) className(obj map[string]interface{}) (string, error) {
	ref, ok := obj[keyClass]
	if !ok {
		return "", fmt.Errorf("object has no %s reference", keyClass)
	}

	cls, err := a.resolve(ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve class: %w", err)
	}

	clsDict, ok := cls.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("class entry is %T, not a dictionary", cls)
	}

	name, ok := clsDict[keyClassName].(string)
	if !ok {
		return "", fmt.Errorf("class entry has no %s", keyClassName)
	}

	return name, nil
}

// hasAlternateKeys reports whether the primary entry or $top still carry keys of
// the alternate naming scheme.
func (a archive) hasAlternateKeys() bool {
	if top, ok := a.top(); ok {
		if _, found := top[AltRootKey]; found {
			return true
		}
	}

	primary, ok := a.primary()
	if !ok {
		return false
	}

	if _, found := primary[AltPropsKey]; found {
		return true
	}

	for key := range primary {
		if strings.HasPrefix(key, AltPropPrefix) {
			return true
		}
	}

	return false
}

func propKey(i int) string {
	return "$" + strconv.Itoa(i)
}

func altPropKey(i int) string {
	return AltPropPrefix + strconv.Itoa(i)
}

// archiveBuilder appends objects to a fresh object table. Index 0 is reserved for
// the $null placeholder.
type archiveBuilder struct {
	objects []interface{}
	classes map[string]plist.UID
}

func newArchiveBuilder() *archiveBuilder {
	return &archiveBuilder{
		objects: []interface{}{nullObject},
		classes: make(map[string]plist.UID),
	}
}

func (b *archiveBuilder) add(obj interface{}) plist.UID {
	b.objects = append(b.objects, obj)
	return plist.UID(len(b.objects) - 1)
}

// reserve appends a placeholder that is filled later with set.
func (b *archiveBuilder) reserve() plist.UID {
	return b.add(nil)
}

func (b *archiveBuilder) set(uid plist.UID, obj interface{}) {
	b.objects[uid] = obj
}

func (b *archiveBuilder) class(name string, hierarchy ...string) plist.UID {
	if uid, ok := b.classes[name]; ok {
		return uid
	}

	classes := append([]interface{}{name}, toInterfaces(hierarchy)...)
	uid := b.add(map[string]interface{}{
		keyClassName: name,
		keyClasses:   classes,
	})
	b.classes[name] = uid

	return uid
}

func (b *archiveBuilder) encode(root plist.UID, format int) ([]byte, error) {
	tree := map[string]interface{}{
		keyArchiver: archiverName,
		keyVersion:  archiveVersion,
		keyTop:      map[string]interface{}{RootKey: root},
		keyObjects:  b.objects,
	}

	return plist.Marshal(tree, format)
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}

	return out
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

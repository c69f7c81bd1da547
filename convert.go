// Extended-JSON conversion layer.
//
// ExtendJSON registers a structural handler pair into write.pre/read.post
// that widens the set of storable value types beyond what JSON carries
// natively. On the way out, every value whose runtime type has a registered
// hook is replaced by a Marker Record, a single-key mapping {"$tag":
// payload}; on the way in, single-key mappings whose key matches a
// registered marker are reconstituted. Marker Records with no registered
// hook pass through untouched, so data written by a newer converter still
// loads (the markers just stay as plain maps).
//
// Marker keys live in the same namespace as user keys. The prefix is kept
// out of ordinary documents by convention only; a user key that happens to
// match a registered marker on a single-key map will be reconverted.
package vellum

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Set is an unordered collection encoded as a "$set" Marker Record.
// Elements must be comparable; nested containers cannot be set members.
type Set map[any]struct{}

// NewSet builds a Set from items.
func NewSet(items ...any) Set {
	s := make(Set, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Items returns the members in unspecified order.
func (s Set) Items() []any {
	out := make([]any, 0, len(s))
	for it := range s {
		out = append(out, it)
	}
	return out
}

// TypeHook encodes a value of a registered type into a Marker Record. The
// enc callback converts nested values the hook owns (set members, struct
// fields) through the same machinery.
type TypeHook func(v any, enc func(any) (any, error)) (any, error)

// MarkerHook reconstitutes a value from a Marker Record's payload. The dec
// callback recursively decodes nested payloads.
type MarkerHook func(v any, dec func(any) (any, error)) (any, error)

// Converter holds the type and marker hook tables for one storage instance.
type Converter struct {
	prefix  string
	order   []reflect.Type // registration order, for assignability matches
	types   map[reflect.Type]TypeHook
	markers map[string]MarkerHook
}

type typeReg struct {
	typ  reflect.Type
	hook TypeHook
}

type markerReg struct {
	marker string
	hook   MarkerHook
}

type convertConfig struct {
	prefix  string
	types   []typeReg
	markers []markerReg
}

// ConvertOption customises a Converter before it is registered.
type ConvertOption func(*convertConfig)

// WithMarkerPrefix replaces the default "$" marker prefix. Only affects the
// default hooks; explicitly registered hooks carry their own full marker.
func WithMarkerPrefix(prefix string) ConvertOption {
	return func(c *convertConfig) { c.prefix = prefix }
}

// WithTypeHook registers (or, with a nil hook, suppresses) the encode hook
// for the runtime type of sample.
func WithTypeHook(sample any, hook TypeHook) ConvertOption {
	return func(c *convertConfig) {
		c.types = append(c.types, typeReg{reflect.TypeOf(sample), hook})
	}
}

// WithMarkerHook registers (or, with a nil hook, suppresses) the decode hook
// for marker.
func WithMarkerHook(marker string, hook MarkerHook) ConvertOption {
	return func(c *convertConfig) {
		c.markers = append(c.markers, markerReg{marker, hook})
	}
}

// ExtendJSON builds a Converter with the default hooks, applies opts, and
// registers its encode/decode pair into s's structural events.
func ExtendJSON(s *Storage, opts ...ConvertOption) (*Converter, error) {
	c := NewConverter(opts...)

	err := s.OnWritePre(func(_ Event, _ any, tables Tables) (Tables, error) {
		out, err := c.Encode(tables)
		if err != nil {
			return nil, err
		}
		enc, ok := out.(Tables)
		if !ok {
			return nil, fmt.Errorf("conversion replaced table structure with %T", out)
		}
		return enc, nil
	})
	if err != nil {
		return nil, err
	}

	err = s.OnReadPost(func(_ Event, _ any, tables Tables) (Tables, error) {
		out, err := c.Decode(tables)
		if err != nil {
			return nil, err
		}
		dec, ok := out.(Tables)
		if !ok {
			return nil, fmt.Errorf("conversion replaced table structure with %T", out)
		}
		return dec, nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// NewConverter returns a Converter carrying the default hooks with opts
// applied on top: a hook registered through an option overrides the default
// for its type or marker, and a nil hook suppresses the default entirely.
// Most callers want ExtendJSON instead; NewConverter exists for using the
// conversion machinery outside a storage pipeline.
func NewConverter(opts ...ConvertOption) *Converter {
	cfg := convertConfig{prefix: "$"}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Converter{
		prefix:  cfg.prefix,
		types:   make(map[reflect.Type]TypeHook),
		markers: make(map[string]MarkerHook),
	}
	c.installDefaults()
	for _, reg := range cfg.types {
		c.RegisterType(reg.typ, reg.hook)
	}
	for _, reg := range cfg.markers {
		c.RegisterMarker(reg.marker, reg.hook)
	}
	return c
}

func (c *Converter) installDefaults() {
	m := func(tag string) string { return c.prefix + tag }

	c.RegisterType(reflect.TypeOf(uuid.UUID{}), func(v any, _ func(any) (any, error)) (any, error) {
		return Document{m("uuid"): v.(uuid.UUID).String()}, nil
	})
	c.RegisterType(reflect.TypeOf(time.Time{}), func(v any, _ func(any) (any, error)) (any, error) {
		return Document{m("date"): v.(time.Time).Format(time.RFC3339Nano)}, nil
	})
	c.RegisterType(reflect.TypeOf(time.Duration(0)), func(v any, _ func(any) (any, error)) (any, error) {
		return Document{m("timedelta"): v.(time.Duration).Seconds()}, nil
	})
	c.RegisterType(reflect.TypeOf([]byte(nil)), func(v any, _ func(any) (any, error)) (any, error) {
		return Document{m("bytes"): base64.StdEncoding.EncodeToString(v.([]byte))}, nil
	})
	c.RegisterType(reflect.TypeOf(complex128(0)), func(v any, _ func(any) (any, error)) (any, error) {
		z := v.(complex128)
		return Document{m("complex"): []any{real(z), imag(z)}}, nil
	})
	c.RegisterType(reflect.TypeOf(Set(nil)), func(v any, enc func(any) (any, error)) (any, error) {
		items := make([]any, 0, len(v.(Set)))
		for it := range v.(Set) {
			converted, err := enc(it)
			if err != nil {
				return nil, err
			}
			items = append(items, converted)
		}
		return Document{m("set"): items}, nil
	})
	c.RegisterType(reflect.TypeOf((*regexp.Regexp)(nil)), func(v any, _ func(any) (any, error)) (any, error) {
		return Document{m("regex"): v.(*regexp.Regexp).String()}, nil
	})

	c.RegisterMarker(m("uuid"), func(v any, _ func(any) (any, error)) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%suuid: payload is %T, want string", c.prefix, v)
		}
		return uuid.Parse(s)
	})
	c.RegisterMarker(m("date"), func(v any, _ func(any) (any, error)) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%sdate: payload is %T, want string", c.prefix, v)
		}
		return time.Parse(time.RFC3339Nano, s)
	})
	c.RegisterMarker(m("timedelta"), func(v any, _ func(any) (any, error)) (any, error) {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%stimedelta: payload is %T, want number", c.prefix, v)
		}
		return time.Duration(f * float64(time.Second)), nil
	})
	c.RegisterMarker(m("bytes"), func(v any, _ func(any) (any, error)) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%sbytes: payload is %T, want string", c.prefix, v)
		}
		return base64.StdEncoding.DecodeString(s)
	})
	c.RegisterMarker(m("complex"), func(v any, _ func(any) (any, error)) (any, error) {
		parts, ok := v.([]any)
		if !ok || len(parts) != 2 {
			return nil, fmt.Errorf("%scomplex: payload must be a two-element array", c.prefix)
		}
		re, ok1 := parts[0].(float64)
		im, ok2 := parts[1].(float64)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%scomplex: parts must be numbers", c.prefix)
		}
		return complex(re, im), nil
	})
	c.RegisterMarker(m("set"), func(v any, dec func(any) (any, error)) (any, error) {
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%sset: payload is %T, want array", c.prefix, v)
		}
		out := make(Set, len(items))
		for _, it := range items {
			decoded, err := dec(it)
			if err != nil {
				return nil, err
			}
			out[decoded] = struct{}{}
		}
		return out, nil
	})
	c.RegisterMarker(m("regex"), func(v any, _ func(any) (any, error)) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%sregex: payload is %T, want string", c.prefix, v)
		}
		return regexp.Compile(s)
	})
}

// RegisterType binds an encode hook to a runtime type. A nil hook removes
// the binding (suppressing a default). Precedence at encode time: an exact
// type match wins; otherwise the first registered type the value is
// assignable to applies.
func (c *Converter) RegisterType(typ reflect.Type, hook TypeHook) {
	if hook == nil {
		delete(c.types, typ)
		for i, t := range c.order {
			if t == typ {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		return
	}
	if _, exists := c.types[typ]; !exists {
		c.order = append(c.order, typ)
	}
	c.types[typ] = hook
}

// RegisterMarker binds a decode hook to a marker key. A nil hook removes
// the binding, which leaves matching Marker Records untouched on decode.
func (c *Converter) RegisterMarker(marker string, hook MarkerHook) {
	if hook == nil {
		delete(c.markers, marker)
		return
	}
	c.markers[marker] = hook
}

// Encode recursively converts v, replacing registered-type values with
// Marker Records. Unregistered types pass through for the serializer to
// handle natively. Cyclic structures return ErrCycle.
func (c *Converter) Encode(v any) (any, error) {
	return c.encode(v, make(map[uintptr]struct{}))
}

func (c *Converter) encode(v any, path map[uintptr]struct{}) (any, error) {
	if v == nil {
		return nil, nil
	}

	if ptr, ok := containerPtr(v); ok {
		if _, seen := path[ptr]; seen {
			return nil, ErrCycle
		}
		path[ptr] = struct{}{}
		defer delete(path, ptr)
	}

	enc := func(x any) (any, error) { return c.encode(x, path) }

	// Descend into generic containers before dispatching on type: a hook
	// for a container type sees already-converted children, matching how
	// scalars nested in plain maps and slices are handled.
	switch tv := v.(type) {
	case Tables:
		out := make(Tables, len(tv))
		for name, docs := range tv {
			conv, err := enc(docs)
			if err != nil {
				return nil, err
			}
			cd, ok := conv.(Documents)
			if !ok {
				return nil, fmt.Errorf("conversion replaced documents of table %q with %T", name, conv)
			}
			out[name] = cd
		}
		return out, nil
	case Documents:
		out := make(Documents, len(tv))
		for id, doc := range tv {
			conv, err := enc(map[string]any(doc))
			if err != nil {
				return nil, err
			}
			cd, ok := conv.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("conversion replaced document %q with %T", id, conv)
			}
			out[id] = cd
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			conv, err := enc(val)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		v = out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			conv, err := enc(val)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		v = out
	}

	if hook := c.lookupType(reflect.TypeOf(v)); hook != nil {
		return hook(v, enc)
	}
	return v, nil
}

func (c *Converter) lookupType(typ reflect.Type) TypeHook {
	if typ == nil {
		return nil
	}
	if hook, ok := c.types[typ]; ok {
		return hook
	}
	for _, t := range c.order {
		if typ.AssignableTo(t) || (t.Kind() == reflect.Interface && typ.Implements(t)) {
			return c.types[t]
		}
	}
	return nil
}

// Decode recursively walks v and reconstitutes Marker Records: single-key
// mappings whose key has a registered marker hook. Unregistered markers are
// left as ordinary mappings.
func (c *Converter) Decode(v any) (any, error) {
	dec := func(x any) (any, error) { return c.Decode(x) }

	switch tv := v.(type) {
	case Tables:
		out := make(Tables, len(tv))
		for name, docs := range tv {
			conv, err := c.Decode(docs)
			if err != nil {
				return nil, err
			}
			cd, ok := conv.(Documents)
			if !ok {
				return nil, fmt.Errorf("recovery replaced documents of table %q with %T", name, conv)
			}
			out[name] = cd
		}
		return out, nil
	case Documents:
		out := make(Documents, len(tv))
		for id, doc := range tv {
			conv, err := c.Decode(map[string]any(doc))
			if err != nil {
				return nil, err
			}
			cd, ok := conv.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("recovery replaced document %q with %T", id, conv)
			}
			out[id] = cd
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			conv, err := c.Decode(val)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			conv, err := c.Decode(val)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		if len(out) == 1 {
			for k, payload := range out {
				if hook, ok := c.markers[k]; ok {
					return hook(payload, dec)
				}
			}
		}
		return out, nil
	}
	return v, nil
}

// containerPtr returns an identity for values that can participate in
// cycles. Scalars return false.
func containerPtr(v any) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	}
	return 0, false
}

// ABOUTME: Insertion-ordered JSON object used for the untyped feed tree.
// ABOUTME: Keeps document order so keyed containers and risk factors iterate stably.

package record

// Object is a JSON object that remembers the order its members appeared in
type Object struct {
	keys   []string
	values map[string]any
}

// NewObject creates an empty ordered object
func NewObject() *Object {
	return &Object{values: make(map[string]any)}
}

// Set stores a member. A repeated key keeps its first position and takes the last value.
func (o *Object) Set(key string, value any) {
	if _, exists := o.values[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the member stored under key
func (o *Object) Get(key string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.values[key]
	return v, ok
}

// Keys returns member names in document order
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	keys := make([]string, len(o.keys))
	copy(keys, o.keys)
	return keys
}

// Values returns member values in document order
func (o *Object) Values() []any {
	if o == nil {
		return nil
	}
	values := make([]any, 0, len(o.keys))
	for _, k := range o.keys {
		values = append(values, o.values[k])
	}
	return values
}

// ContainerValues flattens an array or keyed-object container into its values.
// Anything else yields nil.
func ContainerValues(container any) []any {
	switch c := container.(type) {
	case []any:
		return c
	case *Object:
		return c.Values()
	}
	return nil
}

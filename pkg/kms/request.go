package kms

import (
	"fmt"
	"sort"
)

// PropertyValue is one object.property = value entry of a transaction.
type PropertyValue struct {
	Object   ObjectID
	Property PropertyID
	Value    uint64
}

// OutFenceRequest names the CRTC property the kernel writes the out-fence
// fd through.
type OutFenceRequest struct {
	Object   ObjectID
	Property PropertyID
}

// AtomicRequest is an ordered, all-or-nothing set of property changes.
// Setting the same object property twice keeps the last value.
type AtomicRequest struct {
	values   []PropertyValue
	index    map[propertyKey]int
	outFence *OutFenceRequest
}

type propertyKey struct {
	obj  ObjectID
	prop PropertyID
}

// NewAtomicRequest returns an empty transaction.
func NewAtomicRequest() *AtomicRequest {
	return &AtomicRequest{index: make(map[propertyKey]int)}
}

// Add sets obj.prop = value.
func (r *AtomicRequest) Add(obj ObjectID, prop PropertyID, value uint64) error {
	if obj == 0 || prop == 0 {
		return fmt.Errorf("%w: object %d property %d", ErrInvalidObject, obj, prop)
	}

	key := propertyKey{obj, prop}
	if i, ok := r.index[key]; ok {
		r.values[i].Value = value
		return nil
	}
	r.index[key] = len(r.values)
	r.values = append(r.values, PropertyValue{Object: obj, Property: prop, Value: value})
	return nil
}

// RequestOutFence asks the kernel to return a completion fence for obj
// through the OUT_FENCE_PTR property prop.
func (r *AtomicRequest) RequestOutFence(obj ObjectID, prop Property) error {
	if !prop.Supported() {
		return fmt.Errorf("%w: %s on object %d", ErrPropertyUnsupported, prop.Name, obj)
	}
	if obj == 0 {
		return fmt.Errorf("%w: object 0", ErrInvalidObject)
	}
	r.outFence = &OutFenceRequest{Object: obj, Property: prop.ID}
	return nil
}

// OutFence returns the out-fence request, if any.
func (r *AtomicRequest) OutFence() (OutFenceRequest, bool) {
	if r.outFence == nil {
		return OutFenceRequest{}, false
	}
	return *r.outFence, true
}

// Value returns the value set for obj.prop.
func (r *AtomicRequest) Value(obj ObjectID, prop PropertyID) (uint64, bool) {
	i, ok := r.index[propertyKey{obj, prop}]
	if !ok {
		return 0, false
	}
	return r.values[i].Value, true
}

// Values returns a copy of the entries in insertion order.
func (r *AtomicRequest) Values() []PropertyValue {
	out := make([]PropertyValue, len(r.values))
	copy(out, r.values)
	return out
}

// Len returns the number of property entries, not counting the out-fence.
func (r *AtomicRequest) Len() int {
	return len(r.values)
}

// ObjectValues returns the entries of one object in insertion order.
func (r *AtomicRequest) ObjectValues(obj ObjectID) []PropertyValue {
	var out []PropertyValue
	for _, v := range r.values {
		if v.Object == obj {
			out = append(out, v)
		}
	}
	return out
}

// Objects returns the distinct objects touched by the request, sorted.
func (r *AtomicRequest) Objects() []ObjectID {
	seen := make(map[ObjectID]bool)
	var objs []ObjectID
	for _, v := range r.values {
		if !seen[v.Object] {
			seen[v.Object] = true
			objs = append(objs, v.Object)
		}
	}
	if r.outFence != nil && !seen[r.outFence.Object] {
		objs = append(objs, r.outFence.Object)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i] < objs[j] })
	return objs
}

package heap

import (
	"reflect"
	"unsafe"
	"weak"
)

// ObjRef is a weak, typed reference to a live object. It does not keep the
// object alive; Get reports whether the object still exists.
type ObjRef struct {
	wp  weak.Pointer[byte]
	typ reflect.Type // the pointer type *T
}

// MakeRef builds a weak reference to obj, which must be a non-nil pointer.
func MakeRef(obj any) ObjRef {
	rv := reflect.ValueOf(obj)
	bp := (*byte)(rv.UnsafePointer())
	return ObjRef{wp: weak.Make(bp), typ: rv.Type()}
}

// Get rematerializes the referent. The second result is false once the
// object has been collected.
func (r ObjRef) Get() (any, bool) {
	b := r.wp.Value()
	if b == nil {
		return nil, false
	}
	return reflect.NewAt(r.typ.Elem(), unsafe.Pointer(b)).Interface(), true
}

// Type returns the referent's pointer type, valid even after collection.
func (r ObjRef) Type() reflect.Type {
	return r.typ
}

package heap

import (
	"encoding/binary"
	"fmt"
	"hash/maphash"
	"math"
	"reflect"
)

// hashSeed is fixed for the process lifetime so an object's identity hash
// stays comparable across scan passes.
var hashSeed = maphash.MakeSeed()

// IdentityHash fingerprints an object by its type name and the shallow
// values of its exported primitive and string fields. The hash survives an
// object relocating, which is what makes it usable to re-identify an object
// whose address went stale. It is not a uniqueness guarantee; callers test
// candidates in enumeration order and accept the first match.
func IdentityHash(obj any) (h uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("identity hash panicked: %v", r)
		}
	}()
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return 0, fmt.Errorf("identity hash needs a non-nil pointer, got %T", obj)
	}
	var mh maphash.Hash
	mh.SetSeed(hashSeed)
	elem := rv.Elem()
	mh.WriteString(FullTypeName(elem.Type()))
	hashShallow(&mh, elem)
	return mh.Sum64(), nil
}

func hashShallow(mh *maphash.Hash, v reflect.Value) {
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue
			}
			mh.WriteString(t.Field(i).Name)
			hashLeaf(mh, v.Field(i))
		}
	default:
		hashLeaf(mh, v)
	}
}

// hashLeaf folds a single field value into the hash. Reference-typed fields
// contribute only their nil-ness: their addresses are exactly what an
// identity hash must not depend on.
func hashLeaf(mh *maphash.Hash, v reflect.Value) {
	var buf [8]byte
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			mh.WriteByte(1)
		} else {
			mh.WriteByte(0)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		binary.LittleEndian.PutUint64(buf[:], uint64(v.Int()))
		mh.Write(buf[:])
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		binary.LittleEndian.PutUint64(buf[:], v.Uint())
		mh.Write(buf[:])
	case reflect.Float32, reflect.Float64:
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.Float()))
		mh.Write(buf[:])
	case reflect.String:
		mh.WriteString(v.String())
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		if v.IsNil() {
			mh.WriteByte(0)
		} else {
			mh.WriteByte(1)
		}
	}
}

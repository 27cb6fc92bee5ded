package diver

import (
	"fmt"
	"reflect"

	"github.com/heapdive/heapdive/heap"
	"github.com/heapdive/heapdive/types"
)

// encodeValue turns one Go value into its wire form. Reference values are
// pinned so the address stays resolvable until the client unpins it; when a
// registration is given the pin is charged to it and released on teardown.
func (s *Server) encodeValue(reg *registration, v any) (types.Value, error) {
	if v == nil {
		return types.Null(), nil
	}
	if types.IsPrimitive(v) {
		return types.Primitive(v)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice, reflect.Interface:
		if rv.IsNil() {
			return types.Null(), nil
		}
	}

	// Non-pointer composites get boxed so there is a stable address to pin.
	if rv.Kind() != reflect.Ptr {
		box := reflect.New(rv.Type())
		box.Elem().Set(rv)
		rv = box
	}
	addr, err := s.pins.Pin(rv.Interface())
	if err != nil {
		return types.Value{}, err
	}
	if reg != nil {
		reg.addPinned(addr)
	}
	return types.Remote(addr, heap.FullTypeName(rv.Type().Elem())), nil
}

// decodeValue turns one wire value back into a Go value. Remote values
// resolve through the pin table and enumeration index.
func (s *Server) decodeValue(val types.Value) (any, error) {
	switch val.Kind {
	case types.ValueNull, types.ValuePrimitive, types.ValueTypeRef:
		return val.Decode()
	case types.ValueRemote:
		obj, _, err := s.runtime.GetObject(val.Address, false, val.Type, nil)
		return obj, err
	}
	return nil, fmt.Errorf("unknown value kind %q", val.Kind)
}

// target resolves an invocation target: a handle to a live object, or for
// handle 0 a registered static named by the request.
func (s *Server) target(handle uint64, typeName, name string) (reflect.Value, error) {
	if handle != 0 {
		obj, _, err := s.runtime.GetObject(handle, false, typeName, nil)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(obj), nil
	}
	sv, ok := s.registry.Static(typeName, name)
	if !ok {
		return reflect.Value{}, fmt.Errorf("%w: no static %q", types.ErrTypeNotFound, name)
	}
	return sv, nil
}

// invoke calls a method (or static function) with the decoded arguments and
// encodes the results. Reference results come back auto-pinned.
func (s *Server) invoke(req *types.InvokeRequest) (*types.InvokeResult, error) {
	if len(req.GenericArgs) > 0 {
		return nil, fmt.Errorf("%w: generic arguments are not supported over the wire", types.ErrMethodNotFound)
	}
	tv, err := s.target(req.Handle, req.TypeName, req.Method)
	if err != nil {
		return nil, err
	}

	var fn reflect.Value
	if req.Handle == 0 && tv.Kind() == reflect.Func {
		fn = tv
	} else {
		fn = tv.MethodByName(req.Method)
		if !fn.IsValid() {
			return nil, fmt.Errorf("%w: %s has no method %s", types.ErrMethodNotFound, typeLabel(tv), req.Method)
		}
	}

	in, err := s.buildArgs(fn.Type(), req.Args, req.Method)
	if err != nil {
		return nil, err
	}

	out, err := safeCall(fn, in, req.Method)
	if err != nil {
		return nil, err
	}

	res := &types.InvokeResult{}
	for _, rv := range out {
		// A trailing non-nil error result fails the call instead of
		// encoding as a value.
		if rv.Type() == errType {
			if !rv.IsNil() {
				return nil, fmt.Errorf("%s returned error: %v", req.Method, rv.Interface())
			}
			res.Results = append(res.Results, types.Null())
			continue
		}
		val, err := s.encodeValue(nil, valueInterface(rv))
		if err != nil {
			return nil, err
		}
		res.Results = append(res.Results, val)
	}
	return res, nil
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// buildArgs decodes and converts wire arguments against a function
// signature. Arity or type mismatches are reported as method-not-found so
// the client sees the same failure shape as a bad method name.
func (s *Server) buildArgs(ft reflect.Type, args []types.Value, method string) ([]reflect.Value, error) {
	if ft.IsVariadic() {
		if len(args) < ft.NumIn()-1 {
			return nil, fmt.Errorf("%w: %s wants at least %d args, got %d", types.ErrMethodNotFound, method, ft.NumIn()-1, len(args))
		}
	} else if len(args) != ft.NumIn() {
		return nil, fmt.Errorf("%w: %s wants %d args, got %d", types.ErrMethodNotFound, method, ft.NumIn(), len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		decoded, err := s.decodeValue(a)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		var pt reflect.Type
		if ft.IsVariadic() && i >= ft.NumIn()-1 {
			pt = ft.In(ft.NumIn() - 1).Elem()
		} else {
			pt = ft.In(i)
		}
		cv, err := convertArg(decoded, pt)
		if err != nil {
			return nil, fmt.Errorf("%w: %s arg %d: %v", types.ErrMethodNotFound, method, i, err)
		}
		in[i] = cv
	}
	return in, nil
}

// convertArg coerces a decoded value to a parameter type. JSON flattens
// integer widths, so numeric conversions are applied where lossless
// assignment rules allow.
func convertArg(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		switch t.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("nil for non-nilable %s", t)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(t) && isScalar(rv.Kind()) && isScalar(t.Kind()) {
		return rv.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %s as %s", rv.Type(), t)
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return true
	}
	return false
}

// safeCall invokes fn, converting a panic in the target method into an
// error response instead of taking down the host process.
func safeCall(fn reflect.Value, in []reflect.Value, method string) (out []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", method, r)
		}
	}()
	return fn.Call(in), nil
}

// getField reads one exported field from the target. Handle 0 reads a
// registered static variable instead.
func (s *Server) getField(req *types.FieldRequest) (*types.FieldResult, error) {
	fv, err := s.fieldValue(req)
	if err != nil {
		return nil, err
	}
	val, err := s.encodeValue(nil, valueInterface(fv))
	if err != nil {
		return nil, err
	}
	return &types.FieldResult{Value: val}, nil
}

// setField writes one exported field and echoes the stored value back.
func (s *Server) setField(req *types.FieldRequest) (*types.FieldResult, error) {
	if req.Value == nil {
		return nil, fmt.Errorf("set_field requires a value")
	}
	fv, err := s.fieldValue(req)
	if err != nil {
		return nil, err
	}
	if !fv.CanSet() {
		return nil, fmt.Errorf("%w: %s is not settable", types.ErrFieldNotFound, req.Field)
	}
	decoded, err := s.decodeValue(*req.Value)
	if err != nil {
		return nil, err
	}
	cv, err := convertArg(decoded, fv.Type())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrFieldNotFound, req.Field, err)
	}
	fv.Set(cv)
	stored, err := s.encodeValue(nil, valueInterface(fv))
	if err != nil {
		return nil, err
	}
	return &types.FieldResult{Value: stored}, nil
}

func (s *Server) fieldValue(req *types.FieldRequest) (reflect.Value, error) {
	tv, err := s.target(req.Handle, req.TypeName, req.Field)
	if err != nil {
		return reflect.Value{}, err
	}
	if req.Handle == 0 {
		// Statics are registered as pointers to package variables.
		if tv.Kind() != reflect.Ptr {
			return reflect.Value{}, fmt.Errorf("%w: static %q is not a variable", types.ErrFieldNotFound, req.Field)
		}
		return tv.Elem(), nil
	}
	if tv.Kind() != reflect.Ptr || tv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%w: %s has no fields", types.ErrFieldNotFound, typeLabel(tv))
	}
	fv := tv.Elem().FieldByName(req.Field)
	if !fv.IsValid() || !fv.CanInterface() {
		return reflect.Value{}, fmt.Errorf("%w: %s.%s", types.ErrFieldNotFound, typeLabel(tv), req.Field)
	}
	return fv, nil
}

// valueInterface extracts an interface, tolerating invalid values.
func valueInterface(rv reflect.Value) any {
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}

func typeLabel(rv reflect.Value) string {
	if !rv.IsValid() {
		return "<nil>"
	}
	t := rv.Type()
	if t.Kind() == reflect.Ptr {
		return heap.FullTypeName(t.Elem())
	}
	return heap.FullTypeName(t)
}

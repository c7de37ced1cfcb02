// Package sshopts turns a tagged options struct into an argv slice, the way
// options.ToArgs does for container CLI flags in the teacher codebase. Here
// it assembles `ssh`/`nix copy` argument lists from a small struct instead of
// hand-concatenating strings throughout the target model.
package sshopts

import (
	"fmt"
	"reflect"
)

// ToArgs walks opts (a pointer to a struct) and emits one or two argv
// elements per field carrying a `flag:"..."` tag, skipping zero-valued
// fields; the tag value is used verbatim as the flag and has no options, so
// a zero-valued field is never emitted. Embedded structs are flattened.
// Bool fields emit only the flag name when true.
func ToArgs(opts any) []string {
	var ret []string

	sv := reflect.ValueOf(opts)
	for sv.Kind() == reflect.Pointer {
		sv = sv.Elem()
	}
	st := sv.Type()

	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		fv := sv.Field(i)

		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			ret = append(ret, ToArgs(fv.Addr().Interface())...)
			continue
		}

		flagName, ok := field.Tag.Lookup("flag")
		if !ok {
			continue
		}

		if fv.IsZero() {
			continue
		}

		if field.Type.Kind() == reflect.Slice {
			for j := 0; j < fv.Len(); j++ {
				ret = append(ret, flagName, fmt.Sprintf("%v", fv.Index(j).Interface()))
			}
			continue
		}

		if field.Type.Kind() == reflect.Bool {
			ret = append(ret, flagName)
			continue
		}

		ret = append(ret, flagName, fmt.Sprintf("%v", fv.Interface()))
	}

	return ret
}

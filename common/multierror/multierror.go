//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package multierror

import (
	"bytes"
	"fmt"
)

// Error bundles multiple errors and makes them obey the error interface.
type Error struct {
	errs []error
}

func (e *Error) Error() string {
	if len(e.errs) == 1 {
		return e.errs[0].Error()
	}
	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, "%d errors occurred:", len(e.errs))
	for i, err := range e.errs {
		fmt.Fprintf(buf, "\n  %d: %s", i+1, err)
	}
	return buf.String()
}

// Errors returns the bundled errors, in the order they were added.
func (e *Error) Errors() []error {
	return e.errs
}

// Append adds non-nil errs to err. err can be nil, a plain error or an *Error.
// The result is nil only if there was nothing to add to a nil err.
func Append(err error, errs ...error) error {
	var me *Error
	switch e := err.(type) {
	case nil:
		me = &Error{}
	case *Error:
		me = e
	default:
		me = &Error{errs: []error{e}}
	}
	for _, e := range errs {
		if e == nil {
			continue
		}
		if nested, ok := e.(*Error); ok {
			me.errs = append(me.errs, nested.errs...)
		} else {
			me.errs = append(me.errs, e)
		}
	}
	if len(me.errs) == 0 {
		return nil
	}
	return me
}

// First returns the first bundled error, or err itself if it is not an *Error.
func First(err error) error {
	if me, ok := err.(*Error); ok && len(me.errs) > 0 {
		return me.errs[0]
	}
	return err
}

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
// Package ourio writes output files without disturbing readers of their previous contents.
package ourio

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"
)

// WriteFileAtomic writes data to a temporary file next to filename and renames it into place,
// so a reader (e.g. a USB mass storage copy) never sees a partially written file.
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) error {
	f, err := ioutil.TempFile(filepath.Dir(filename), "."+filepath.Base(filename)+".")
	if err != nil {
		return errors.Trace(err)
	}
	tmpName := f.Name()
	_, err = f.Write(data)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err == nil {
		err = os.Chmod(tmpName, perm)
	}
	if err == nil {
		err = os.Rename(tmpName, filename)
	}
	if err != nil {
		os.Remove(tmpName)
		return errors.Annotatef(err, "failed to write %s", filename)
	}
	return nil
}

// WriteFileIfDifferent writes data to filename unless it already has the same contents.
// Returns true if the file was created or updated.
func WriteFileIfDifferent(filename string, data []byte, perm os.FileMode) (bool, error) {
	exData, err := ioutil.ReadFile(filename)
	if err == nil && bytes.Equal(exData, data) {
		return false, nil
	}
	if err := WriteFileAtomic(filename, data, perm); err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

// WriteYAMLFileIfDifferent writes s as YAML to filename unless it already has the same contents.
func WriteYAMLFileIfDifferent(filename string, s interface{}, perm os.FileMode) (bool, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return false, errors.Trace(err)
	}
	return WriteFileIfDifferent(filename, data, perm)
}

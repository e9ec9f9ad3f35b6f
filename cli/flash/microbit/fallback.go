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
package microbit

import (
	"context"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/common/ourio"
)

// ImageFileName is the key of the firmware image among compile outputs.
const ImageFileName = "binary.hex"

// CompileResult holds the outputs of a firmware build, keyed by file name.
type CompileResult struct {
	Outfiles map[string]string
}

// Image returns the firmware image text.
func (res *CompileResult) Image() (string, bool) {
	if res == nil {
		return "", false
	}
	img, ok := res.Outfiles[ImageFileName]
	return img, ok
}

// ArtifactSaver delivers a compiled image by other means when the device cannot be updated in place.
type ArtifactSaver interface {
	SaveArtifact(ctx context.Context, res *CompileResult) error
}

// FileSaver saves the image into Dir, for the user to copy onto the device's drive.
type FileSaver struct {
	Dir string
	// Called with the file name after it was written.
	OnSaved func(fname string)
}

func (fs *FileSaver) SaveArtifact(ctx context.Context, res *CompileResult) error {
	img, ok := res.Image()
	if !ok {
		return errors.NotFoundf("%s in compile results", ImageFileName)
	}
	if err := os.MkdirAll(fs.Dir, 0755); err != nil {
		return errors.Annotatef(err, "failed to create %s", fs.Dir)
	}
	fname := filepath.Join(fs.Dir, ImageFileName)
	updated, err := ourio.WriteFileIfDifferent(fname, []byte(img), 0644)
	if err != nil {
		return errors.Annotatef(err, "failed to save %s", fname)
	}
	glog.V(1).Infof("Saved %s (updated: %t)", fname, updated)
	if fs.OnSaved != nil {
		fs.OnSaved(fname)
	}
	return nil
}

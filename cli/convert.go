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
package main

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/mbdeploy/cli/flags"
	"github.com/mongoose-os/mbdeploy/cli/ourutil"
	"github.com/mongoose-os/mbdeploy/common/ourio"
	"github.com/mongoose-os/mbdeploy/common/uf2"
)

// convertImage converts .hex to .uf2 and back, depending on the extension of inFile.
func convertImage(inFile string, familyID uint32) ([]byte, string, error) {
	data, err := ioutil.ReadFile(inFile)
	if err != nil {
		return nil, "", errors.Annotatef(err, "failed to read input")
	}
	base := strings.TrimSuffix(inFile, filepath.Ext(inFile))
	switch strings.ToLower(filepath.Ext(inFile)) {
	case ".hex":
		out, err := uf2.FromHex(string(data), familyID)
		if err != nil {
			return nil, "", errors.Annotatef(err, "%s", inFile)
		}
		return out, base + ".uf2", nil
	case ".uf2":
		blocks, err := uf2.Parse(data)
		if err != nil {
			return nil, "", errors.Annotatef(err, "%s", inFile)
		}
		var buf bytes.Buffer
		if err := uf2.ToHex(&buf, uf2.MainFlash(blocks)); err != nil {
			return nil, "", errors.Annotatef(err, "%s", inFile)
		}
		return buf.Bytes(), base + ".hex", nil
	}
	return nil, "", errors.NotSupportedf("%q", filepath.Ext(inFile))
}

func convert(ctx context.Context) error {
	if flag.NArg() != 2 {
		return errors.Errorf("usage: %s convert <file.hex|file.uf2> [-o output]", os.Args[0])
	}
	tgt, err := flags.Target()
	if err != nil {
		return errors.Trace(err)
	}
	data, outFile, err := convertImage(flag.Arg(1), tgt.FamilyID)
	if err != nil {
		return errors.Trace(err)
	}
	if *flags.Output != "" {
		outFile = *flags.Output
	}
	changed, err := ourio.WriteFileIfDifferent(outFile, data, 0644)
	if err != nil {
		return errors.Annotatef(err, "failed to write %s", outFile)
	}
	if changed {
		ourutil.Reportf("Wrote %s (%d bytes)", outFile, len(data))
	} else {
		ourutil.Reportf("%s is up to date", outFile)
	}
	return nil
}

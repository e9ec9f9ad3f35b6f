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
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/cli/flags"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/transport"
	"github.com/mongoose-os/mbdeploy/cli/ourutil"
)

func probes(ctx context.Context) error {
	filter := flags.ProbeFilter()
	pis, err := transport.ListProbes(filter)
	if err != nil {
		return errors.Trace(err)
	}
	if len(pis) == 0 {
		ourutil.Reportf("No probes matching %s", filter)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "BUS\tADDR\tID\tPRODUCT\tSERIAL\n")
	for _, pi := range pis {
		fmt.Fprintf(w, "%d\t%d\t%04x:%04x\t%s %s\t%s\n",
			pi.Bus, pi.Address, pi.VendorID, pi.ProductID, pi.Manufacturer, pi.Product, pi.Serial)
	}
	return errors.Trace(w.Flush())
}

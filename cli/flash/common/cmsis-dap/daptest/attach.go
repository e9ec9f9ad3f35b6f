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
package daptest

import (
	"context"

	"github.com/juju/errors"

	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/dap"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/dp"
	"github.com/mongoose-os/mbdeploy/cli/flash/common/cmsis-dap/memap"
)

// Attach brings up a DAP client, the DP and MEM-AP 0 on top of p.
func Attach(ctx context.Context, p *Probe) (dap.DAPClient, memap.MemAPClient, error) {
	dapc, err := dap.NewClient(ctx, p)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if err := dapc.Connect(ctx, dap.ConnectModeSWD); err != nil {
		return nil, nil, errors.Trace(err)
	}
	dpc := dp.NewDPClient(dapc)
	if err := dpc.Init(ctx); err != nil {
		return nil, nil, errors.Trace(err)
	}
	mapc := memap.NewMemAPClient(dpc, 0)
	if err := mapc.Init(ctx); err != nil {
		return nil, nil, errors.Trace(err)
	}
	return dapc, mapc, nil
}
